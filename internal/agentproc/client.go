package agentproc

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rogers-f/goalflow/internal/domain"
)

const (
	defaultTimeout   = 5 * time.Minute
	defaultExitGrace = 5 * time.Second
	maxLineBytes     = 16 << 20
	stderrTailBytes  = 4096
)

// Client runs worker invocations.
type Client struct {
	Profiles *ProfileRegistry
	Spawner  Spawner
	Reaper   Reaper
	Log      logrus.FieldLogger

	// DefaultTimeout applies when neither the request nor the profile sets one.
	DefaultTimeout time.Duration
	// ExitGrace is how long to wait for the worker to exit after its result.
	ExitGrace time.Duration
}

// NewClient returns a Client that spawns real processes.
func NewClient(profiles *ProfileRegistry, log logrus.FieldLogger) *Client {
	return &Client{
		Profiles: profiles,
		Spawner:  ExecSpawner{},
		Reaper:   ProcessReaper{Log: log},
		Log:      log,
	}
}

func (c *Client) log() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}

func (c *Client) timeoutFor(p Profile, req *Request) time.Duration {
	switch {
	case req.Timeout > 0:
		return req.Timeout
	case p.Timeout > 0:
		return p.Timeout
	case c.DefaultTimeout > 0:
		return c.DefaultTimeout
	}
	return defaultTimeout
}

// Invoke runs one worker invocation to completion. Timeout bounds inactivity,
// not total duration.
func (c *Client) Invoke(ctx context.Context, req Request) (*Result, error) {
	p, err := c.Profiles.Get(req.Profile)
	if err != nil {
		return nil, invokeErr(KindSpawnFailed, err, "profile %q is not registered", req.Profile)
	}
	if req.Mode == "" {
		req.Mode = ModeBatch
	}

	tr, err := c.Spawner.Spawn(ctx, SpawnSpec{
		Command: p.Command,
		Args:    buildArgs(p, &req),
		Env:     p.Env,
		Dir:     req.WorkDir,
	})
	if err != nil {
		return nil, invokeErr(KindSpawnFailed, err, "%v", err)
	}

	r := &run{
		client:    c,
		req:       &req,
		tr:        tr,
		pid:       tr.PID(),
		dec:       NewDecoder(),
		timeout:   c.timeoutFor(p, &req),
		stop:      make(chan struct{}),
		stderr:    &tailBuffer{max: stderrTailBytes},
		stdinOpen: true,
	}
	r.log = c.log().WithFields(logrus.Fields{"profile": p.Name, "pid": r.pid})
	r.log.WithField("resume", req.ResumeHandle != "").Debug("worker started")

	if req.OnStart != nil {
		req.OnStart(r.pid)
	}
	return r.execute(ctx)
}

// run holds the state of one in-flight invocation.
type run struct {
	client    *Client
	req       *Request
	tr        Transport
	pid       int
	dec       *Decoder
	timeout   time.Duration
	log       logrus.FieldLogger
	group     errgroup.Group
	lines     chan []byte
	stop      chan struct{}
	stopOnce  sync.Once
	stderr    *tailBuffer
	stdinOpen bool
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	r.startReaders()

	if err := r.writeInput(); err != nil {
		return nil, r.abort(invokeErr(KindProcessError, err, "write input: %v", err))
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, r.abort(invokeErr(KindProcessError, ctx.Err(), "invocation cancelled: %v", ctx.Err()))
		case <-timer.C:
			r.log.WithField("timeout", r.timeout).Warn("worker inactive, killing")
			return nil, r.abort(invokeErr(KindTimeout, nil, "no output from worker for %s", r.timeout))
		case line, ok := <-r.lines:
			if !ok {
				return nil, r.exitedWithoutResult()
			}
			events, err := r.dec.Feed(line)
			if err != nil {
				r.log.WithError(err).Debug("skipping unparseable line")
				continue
			}
			for _, ev := range events {
				switch ev.Kind {
				case EventActivity:
					timer.Reset(r.timeout)
				case EventText:
					if r.req.OnText != nil {
						r.req.OnText(ev.Text)
					}
				case EventToolResult:
					timer.Reset(r.timeout)
					if r.req.OnToolResult != nil {
						r.req.OnToolResult(ev.ToolName, ev.Raw)
					}
				case EventControlRequest:
					timer.Stop()
					r.answerControl(ctx, ev.Control)
					timer.Reset(r.timeout)
				case EventResult:
					timer.Stop()
					return r.finish()
				}
			}
		}
	}
}

func (r *run) startReaders() {
	r.lines = make(chan []byte, 64)
	r.group.Go(func() error {
		defer close(r.lines)
		sc := bufio.NewScanner(r.tr.Stdout())
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case r.lines <- line:
			case <-r.stop:
				return nil
			}
		}
		return sc.Err()
	})
	if stderr := r.tr.Stderr(); stderr != nil {
		r.group.Go(func() error {
			_, err := io.Copy(r.stderr, stderr)
			return err
		})
	}
}

func (r *run) writeInput() error {
	stdin := r.tr.Stdin()
	if !r.req.structured() {
		_, err := io.WriteString(stdin, r.req.Message)
		r.closeStdin()
		return err
	}
	line, err := userLine(r.req.Message, r.req.Attachments)
	if err != nil {
		return err
	}
	if _, err := stdin.Write(line); err != nil {
		return err
	}
	if r.req.Mode != ModeInteractive {
		r.closeStdin()
	}
	return nil
}

func (r *run) closeStdin() {
	if !r.stdinOpen {
		return
	}
	r.stdinOpen = false
	if err := r.tr.Stdin().Close(); err != nil {
		r.log.WithError(err).Debug("close stdin")
	}
}

func (r *run) answerControl(ctx context.Context, cr *ControlRequest) {
	var (
		line []byte
		err  error
	)
	switch {
	case !cr.IsCanUseTool():
		line, err = controlError(cr.RequestID, "unsupported control request: "+cr.Subtype)
	case r.req.Mode != ModeInteractive || r.req.Permission == nil:
		line, err = controlResponse(cr.RequestID, PermissionDecision{
			Message: fmt.Sprintf("no permission handler is configured, %s is not allowed", cr.ToolName),
		})
	default:
		dec, perr := r.req.Permission(ctx, cr.ToolName, cr.Input)
		if perr != nil {
			dec = PermissionDecision{Message: perr.Error()}
		}
		if dec.Allow && dec.UpdatedInput == nil {
			dec.UpdatedInput = cr.Input
		}
		r.log.WithFields(logrus.Fields{"tool": cr.ToolName, "allow": dec.Allow}).Debug("permission decision")
		line, err = controlResponse(cr.RequestID, dec)
	}
	if err != nil {
		r.log.WithError(err).Warn("encode control response")
		return
	}
	if !r.stdinOpen {
		r.log.WithField("request_id", cr.RequestID).Warn("control request after stdin closed")
		return
	}
	if _, err := r.tr.Stdin().Write(line); err != nil {
		r.log.WithError(err).Warn("write control response")
	}
}

// finish turns the decoded result into the invocation outcome and cleans up.
func (r *run) finish() (*Result, error) {
	r.closeStdin()
	descendants := r.reaper().Descendants(r.pid)
	r.waitExit()
	r.cleanup(descendants)

	out := r.dec.Outcome()
	meta := Metadata{
		SessionID:  out.SessionID,
		CostUSD:    out.CostUSD,
		DurationMS: out.DurationMS,
		NumTurns:   out.NumTurns,
		ToolsUsed:  r.dec.ToolsUsed(),
	}
	if out.IsError {
		msg := strings.TrimSpace(out.Text)
		if msg == "" {
			msg = out.Subtype
		}
		if msg == "" {
			msg = "worker reported an error"
		}
		return nil, &InvokeError{Kind: KindWorkerError, Message: msg, Payload: out.Raw}
	}
	text := out.Text
	if strings.TrimSpace(text) == "" {
		text = r.dec.Text()
	}
	return &Result{Success: true, Text: text, Metadata: meta}, nil
}

// waitExit gives the worker ExitGrace to exit on its own, then kills it.
func (r *run) waitExit() {
	grace := r.client.ExitGrace
	if grace <= 0 {
		grace = defaultExitGrace
	}
	done := make(chan error, 1)
	go func() { done <- r.tr.Wait() }()
	select {
	case <-done:
	case <-time.After(grace):
		r.log.Debug("worker did not exit after result, killing")
		_ = r.tr.Kill()
		<-done
	}
}

func (r *run) abort(err *InvokeError) error {
	r.closeStdin()
	descendants := r.reaper().Descendants(r.pid)
	_ = r.tr.Kill()
	_ = r.tr.Wait()
	r.cleanup(descendants)
	return err
}

func (r *run) exitedWithoutResult() error {
	descendants := r.reaper().Descendants(r.pid)
	waitErr := r.tr.Wait()
	r.cleanup(descendants)
	msg := "worker exited without a result"
	if waitErr != nil {
		msg += fmt.Sprintf(" (%v)", waitErr)
	}
	if tail := strings.TrimSpace(r.stderr.String()); tail != "" {
		msg += ": " + tail
	}
	return invokeErr(KindProcessError, waitErr, "%s", msg)
}

func (r *run) cleanup(descendants []int) {
	if len(descendants) > 0 {
		r.log.WithField("descendants", descendants).Debug("terminating leftover processes")
		r.reaper().Terminate(descendants)
	}
	r.stopOnce.Do(func() { close(r.stop) })
	if err := r.group.Wait(); err != nil {
		r.log.WithError(err).Debug("reader stopped")
	}
}

func (r *run) reaper() Reaper {
	if r.client.Reaper == nil {
		return nopReaper{}
	}
	return r.client.Reaper
}

type nopReaper struct{}

func (nopReaper) Descendants(int) []int { return nil }
func (nopReaper) Terminate([]int)       {}

// userLine encodes a structured user message with optional image blocks.
func userLine(message string, atts []domain.Attachment) ([]byte, error) {
	content := make([]map[string]any, 0, len(atts)+1)
	for _, a := range atts {
		mediaType := a.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		content = append(content, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": mediaType,
				"data":       base64.StdEncoding.EncodeToString(a.Data),
			},
		})
	}
	content = append(content, map[string]any{"type": "text", "text": message})
	line, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode user message: %w", err)
	}
	return append(line, '\n'), nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
