package agentproc

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MediaKind selects the media tool used in the second turn.
type MediaKind string

const (
	MediaImage  MediaKind = "image"
	MediaSpeech MediaKind = "speech"
)

func (k MediaKind) extension() string {
	if k == MediaSpeech {
		return ".mp3"
	}
	return ".png"
}

// MediaRequest describes a two-turn media generation.
type MediaRequest struct {
	Kind         MediaKind
	Prompt       string
	Profile      string
	SystemPrompt string
	OutputDir    string
	Params       map[string]any
	Timeout      time.Duration
	OnStart      func(pid int)
}

// MediaOutcome is the parsed media tool result.
type MediaOutcome struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Error   string `json:"error,omitempty"`
}

// GenerateMedia lets the worker interpret the prompt without media tools,
// then resumes that session with only the media tool allowed and a fixed
// output filename. A turn-two run without a recognizable tool result fails.
func (c *Client) GenerateMedia(ctx context.Context, mr MediaRequest) (*Result, error) {
	profileName := mr.Profile
	if profileName == "" {
		profileName = ProfileMedia
	}
	p, err := c.Profiles.Get(profileName)
	if err != nil {
		return nil, invokeErr(KindSpawnFailed, err, "profile %q is not registered", profileName)
	}
	tool := p.MediaTools[string(mr.Kind)]
	if tool == "" {
		return nil, invokeErr(KindSpawnFailed, nil, "profile %q has no %s tool", profileName, mr.Kind)
	}
	mediaTools := make([]string, 0, len(p.MediaTools))
	for _, t := range p.MediaTools {
		mediaTools = append(mediaTools, t)
	}

	interp, err := c.Invoke(ctx, Request{
		Message:         interpretPrompt(mr),
		Profile:         profileName,
		SystemPrompt:    mr.SystemPrompt,
		Timeout:         mr.Timeout,
		DisallowedTools: mediaTools,
		OnStart:         mr.OnStart,
	})
	if err != nil {
		return nil, err
	}

	filename := filepath.Join(mr.OutputDir, fmt.Sprintf("%s-%s%s", mr.Kind, uuid.NewString(), mr.Kind.extension()))
	var found *MediaOutcome
	res, err := c.Invoke(ctx, Request{
		Message:      generatePrompt(mr, tool, filename),
		Profile:      profileName,
		ResumeHandle: interp.Metadata.SessionID,
		Timeout:      mr.Timeout,
		AllowedTools: []string{tool},
		OnStart:      mr.OnStart,
		OnToolResult: func(name string, raw json.RawMessage) {
			if name != "" && name != tool {
				return
			}
			if out, ok := ParseMediaResult(raw); ok {
				found = out
			}
		},
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, invokeErr(KindWorkerError, nil, "%s tool produced no recognizable result", mr.Kind)
	}
	if !found.Success {
		msg := found.Error
		if msg == "" {
			msg = "media tool reported failure"
		}
		return nil, invokeErr(KindWorkerError, nil, "%s", msg)
	}

	res.Text = strings.TrimSpace(interp.Text + "\n\n" + res.Text)
	res.Metadata.CostUSD += interp.Metadata.CostUSD
	res.Metadata.DurationMS += interp.Metadata.DurationMS
	res.Metadata.NumTurns += interp.Metadata.NumTurns
	if mr.Kind == MediaSpeech {
		res.Audio = found.Path
	} else {
		res.ImagePath = found.Path
	}
	return res, nil
}

func interpretPrompt(mr MediaRequest) string {
	return fmt.Sprintf("Interpret the following %s request and describe precisely what should be produced. Do not call any tools.\n\nRequest: %s",
		mr.Kind, mr.Prompt)
}

func generatePrompt(mr MediaRequest, tool, filename string) string {
	params := map[string]any{}
	for k, v := range mr.Params {
		params[k] = v
	}
	params["filename"] = filename
	encoded, _ := json.Marshal(params)
	return fmt.Sprintf("Now call the %s tool exactly once using your interpretation as the prompt and these fixed parameters: %s. "+
		"Do not change the filename or parameters and do not ask questions.", tool, encoded)
}

var pathPattern = regexp.MustCompile(`(?:/|[A-Za-z]:\\)[^\s"']+\.(?:png|jpe?g|webp|gif|mp3|wav|ogg)`)

// ParseMediaResult extracts success and artifact path from a media tool
// result. The payload may be the tool's JSON object, a JSON string holding
// it, or text blocks.
func ParseMediaResult(raw json.RawMessage) (*MediaOutcome, bool) {
	text := strings.TrimSpace(ToolResultText(raw))
	if text == "" {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		out := &MediaOutcome{}
		success, hasSuccess := obj["success"].(bool)
		for _, key := range []string{"path", "file_path", "image_path", "audio_path", "output_path", "filename"} {
			if s, ok := obj[key].(string); ok && s != "" {
				out.Path = s
				break
			}
		}
		if e, ok := obj["error"].(string); ok {
			out.Error = e
		}
		if !hasSuccess && out.Path == "" && out.Error == "" {
			return nil, false
		}
		out.Success = success || (!hasSuccess && out.Path != "")
		return out, true
	}
	if p := pathPattern.FindString(text); p != "" {
		return &MediaOutcome{Success: true, Path: p}, true
	}
	return nil, false
}
