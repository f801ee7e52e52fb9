package bridge

import (
	"context"
	"fmt"

	"github.com/rogers-f/goalflow/internal/agentproc"
	"github.com/rogers-f/goalflow/internal/domain"
)

// ChatRequest is a direct text message to a registered agent.
type ChatRequest struct {
	Agent    string
	Message  string
	Callback map[string]string
}

// ChatReply is the agent's answer.
type ChatReply struct {
	Agent         string  `json:"agent"`
	Text          string  `json:"text"`
	SessionHandle string  `json:"session_handle,omitempty"`
	CostUSD       float64 `json:"cost_usd"`
}

// Chat sends a message to an agent, resuming its last session.
func (b *Bridge) Chat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	if err := requireText("message", req.Message); err != nil {
		return nil, err
	}
	if b.Agents == nil {
		return nil, fmt.Errorf("bridge chat: no agent registry configured")
	}
	agent, err := b.Agents.Get(ctx, req.Agent)
	if err != nil {
		return nil, err
	}

	c := call{agent: agent.Name, profile: b.Config.WorkerProfile, action: "chat", callback: req.Callback}
	res, err := b.withRetry(ctx, c, func(onStart func(int)) (*agentproc.Result, error) {
		r := agentproc.Request{
			Message:      req.Message,
			Profile:      b.Config.WorkerProfile,
			ResumeHandle: agent.SessionHandle,
			WorkDir:      b.Config.WorkDir,
			OnStart:      onStart,
			Mode:         b.mode(),
			Permission:   b.permission(""),
		}
		if agent.SessionHandle == "" {
			r.SystemPrompt = agent.SystemPrompt
		}
		return b.Worker.Invoke(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	if h := res.Metadata.SessionID; h != "" && h != agent.SessionHandle {
		if err := b.Agents.UpdateSession(context.WithoutCancel(ctx), agent.Name, h); err != nil {
			b.Log.WithError(err).WithField("agent", agent.Name).Warn("store agent session")
		}
	}
	return &ChatReply{
		Agent:         agent.Name,
		Text:          res.Text,
		SessionHandle: res.Metadata.SessionID,
		CostUSD:       res.Metadata.CostUSD,
	}, nil
}

// MediaRequest asks a worker for an image or a speech clip.
type MediaRequest struct {
	WorkflowID string
	Kind       agentproc.MediaKind
	Prompt     string
	Params     map[string]any
	Callback   map[string]string
}

// GenerateMedia runs the two-turn media flow and returns the artifact path
// in ImagePath or AudioPath.
func (b *Bridge) GenerateMedia(ctx context.Context, req MediaRequest) (*domain.InvokeResult, error) {
	if err := requireText("prompt", req.Prompt); err != nil {
		return nil, err
	}
	switch req.Kind {
	case agentproc.MediaImage, agentproc.MediaSpeech:
	default:
		return nil, domain.NewEngineError(domain.ErrInvalidInput.Code, fmt.Sprintf("unknown media kind %q", req.Kind))
	}

	c := call{workflowID: req.WorkflowID, profile: b.Config.MediaProfile, action: "media_" + string(req.Kind), callback: req.Callback}
	res, err := b.withRetry(ctx, c, func(onStart func(int)) (*agentproc.Result, error) {
		return b.Worker.GenerateMedia(ctx, agentproc.MediaRequest{
			Kind:      req.Kind,
			Prompt:    req.Prompt,
			Profile:   b.Config.MediaProfile,
			OutputDir: b.Config.MediaDir,
			Params:    req.Params,
			OnStart:   onStart,
		})
	})
	if err != nil {
		if domain.CodeOf(err) == domain.ErrWorkerReported.Code {
			return nil, domain.WrapEngineError(domain.ErrMediaFailed.Code, domain.ErrMediaFailed.Message, err)
		}
		return nil, err
	}
	return toInvokeResult(res), nil
}
