// Package ipc provides the HTTP API for goalflow.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/rogers-f/goalflow/internal/agentproc"
	"github.com/rogers-f/goalflow/internal/bridge"
	"github.com/rogers-f/goalflow/internal/domain"
)

// Workflows is the engine surface the API drives.
type Workflows interface {
	StartWorkflow(ctx context.Context, userID, goal string) (*domain.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error)
	AnswerQuestions(ctx context.Context, id string, answers map[string]string) (*domain.Workflow, error)
	CheckApprovable(ctx context.Context, id string, stepConfigs map[int]domain.StepConfig) error
	ApprovePlan(ctx context.Context, id string, stepConfigs map[int]domain.StepConfig) (*domain.Workflow, error)
	CancelWorkflow(ctx context.Context, id string) (*domain.Workflow, error)
}

// Store is the read side of persistence the API exposes.
type Store interface {
	ListWorkflowsByUser(ctx context.Context, userID string) ([]*domain.Workflow, error)
	ListSteps(ctx context.Context, workflowID string) ([]domain.StepRecord, error)
	ListEvents(ctx context.Context, workflowID string, sinceSeq int64) ([]domain.ProgressEvent, error)
	List(ctx context.Context, userID string) ([]domain.Agent, error)
	ListAudit(ctx context.Context, workflowID string) ([]domain.AuditRecord, error)
	ListUsage(ctx context.Context, workflowID string) ([]domain.UsageRecord, error)
}

// Workers handles requests that go straight to a worker.
type Workers interface {
	Chat(ctx context.Context, req bridge.ChatRequest) (*bridge.ChatReply, error)
	GenerateMedia(ctx context.Context, req bridge.MediaRequest) (*domain.InvokeResult, error)
}

// Admission checks whether a user may submit more work.
type Admission interface {
	CheckSubmission(ctx context.Context, userID string) error
}

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Engine  Workflows
	Store   Store
	Workers Workers
	Guard   Admission
	Hub     *Hub
	Log     logrus.FieldLogger

	// PollInterval is how often the SSE stream checks for new events.
	PollInterval time.Duration
	// Background runs detached work such as plan execution. Defaults to a
	// goroutine.
	Background func(fn func())
}

// StartRequest is the body for POST /api/v1/workflows.
type StartRequest struct {
	UserID string `json:"user_id"`
	Goal   string `json:"goal"`
}

// AnswersRequest is the body for POST /api/v1/workflows/:id/answers.
type AnswersRequest struct {
	Answers map[string]string `json:"answers"`
}

// ApproveRequest is the body for POST /api/v1/workflows/:id/approve.
type ApproveRequest struct {
	StepConfigs map[int]domain.StepConfig `json:"step_configs"`
}

// MessageRequest is the body for POST /api/v1/agents/:name/messages.
type MessageRequest struct {
	Message  string            `json:"message"`
	Callback map[string]string `json:"callback,omitempty"`
}

// MediaRequest is the body for POST /api/v1/media.
type MediaRequest struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	Kind       string            `json:"kind"`
	Prompt     string            `json:"prompt"`
	Params     map[string]any    `json:"params,omitempty"`
	Callback   map[string]string `json:"callback,omitempty"`
}

// MediaResponse reports where the generated artifact was written.
type MediaResponse struct {
	Text      string  `json:"text"`
	ImagePath string  `json:"image_path,omitempty"`
	AudioPath string  `json:"audio_path,omitempty"`
	CostUSD   float64 `json:"cost_usd"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) log() logrus.FieldLogger {
	if h.Log == nil {
		return logrus.StandardLogger()
	}
	return h.Log
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(c echo.Context) error {
	body := map[string]any{"status": "ok", "time": time.Now().Unix()}
	if h.Hub != nil {
		body["subscribers"] = h.Hub.Subscribers()
	}
	return c.JSON(http.StatusOK, body)
}

// StartWorkflow handles POST /api/v1/workflows. Planning runs inline; a
// workflow that fails during planning is still returned with its error.
func (h *Handler) StartWorkflow(c echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return badRequest("user_id is required")
	}
	if strings.TrimSpace(req.Goal) == "" {
		return badRequest("goal is required")
	}
	ctx := c.Request().Context()
	if h.Guard != nil {
		if err := h.Guard.CheckSubmission(ctx, req.UserID); err != nil {
			return err
		}
	}

	// Planning may execute a single step inline; a dropped connection must
	// not kill its worker.
	wf, err := h.Engine.StartWorkflow(context.WithoutCancel(ctx), req.UserID, req.Goal)
	if wf == nil {
		return err
	}
	if err != nil {
		h.log().WithError(err).WithField("workflow_id", wf.ID).Info("workflow failed while planning")
	}
	return c.JSON(http.StatusCreated, wf)
}

// ListWorkflows handles GET /api/v1/workflows?user_id=ID.
func (h *Handler) ListWorkflows(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return badRequest("user_id is required")
	}
	wfs, err := h.Store.ListWorkflowsByUser(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	if wfs == nil {
		wfs = []*domain.Workflow{}
	}
	return c.JSON(http.StatusOK, wfs)
}

// GetWorkflow handles GET /api/v1/workflows/:id.
func (h *Handler) GetWorkflow(c echo.Context) error {
	wf, err := h.Engine.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// AnswerQuestions handles POST /api/v1/workflows/:id/answers.
func (h *Handler) AnswerQuestions(c echo.Context) error {
	var req AnswersRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	wf, err := h.Engine.AnswerQuestions(context.WithoutCancel(c.Request().Context()), c.Param("id"), req.Answers)
	if wf == nil || isRequestError(err) {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// ApprovePlan handles POST /api/v1/workflows/:id/approve. The plan executes
// in the background; progress is observable through events.
func (h *Handler) ApprovePlan(c echo.Context) error {
	var req ApproveRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	id := c.Param("id")
	ctx := c.Request().Context()
	if err := h.Engine.CheckApprovable(ctx, id, req.StepConfigs); err != nil {
		return err
	}

	bg := context.WithoutCancel(ctx)
	h.background(func() {
		if _, err := h.Engine.ApprovePlan(bg, id, req.StepConfigs); err != nil {
			h.log().WithError(err).WithField("workflow_id", id).Warn("plan execution ended with error")
		}
	})

	wf, err := h.Engine.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, wf)
}

func (h *Handler) background(fn func()) {
	if h.Background != nil {
		h.Background(fn)
		return
	}
	go fn()
}

// CancelWorkflow handles POST /api/v1/workflows/:id/cancel.
func (h *Handler) CancelWorkflow(c echo.Context) error {
	wf, err := h.Engine.CancelWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// ListSteps handles GET /api/v1/workflows/:id/steps.
func (h *Handler) ListSteps(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.Engine.GetWorkflow(ctx, id); err != nil {
		return err
	}
	steps, err := h.Store.ListSteps(ctx, id)
	if err != nil {
		return err
	}
	if steps == nil {
		steps = []domain.StepRecord{}
	}
	return c.JSON(http.StatusOK, steps)
}

// ListEvents handles GET /api/v1/workflows/:id/events?since_seq=N.
func (h *Handler) ListEvents(c echo.Context) error {
	events, err := h.Store.ListEvents(c.Request().Context(), c.Param("id"), sinceSeq(c))
	if err != nil {
		return err
	}
	if events == nil {
		events = []domain.ProgressEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

// AuditResponse is a workflow's audit trail with its worker spend.
type AuditResponse struct {
	Audit   []domain.AuditRecord `json:"audit"`
	Usage   []domain.UsageRecord `json:"usage"`
	CostUSD float64              `json:"cost_usd"`
}

// ListAudit handles GET /api/v1/workflows/:id/audit.
func (h *Handler) ListAudit(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.Engine.GetWorkflow(ctx, id); err != nil {
		return err
	}
	audit, err := h.Store.ListAudit(ctx, id)
	if err != nil {
		return err
	}
	usage, err := h.Store.ListUsage(ctx, id)
	if err != nil {
		return err
	}
	resp := AuditResponse{Audit: audit, Usage: usage}
	if resp.Audit == nil {
		resp.Audit = []domain.AuditRecord{}
	}
	if resp.Usage == nil {
		resp.Usage = []domain.UsageRecord{}
	}
	for _, u := range usage {
		resp.CostUSD += u.CostUSD
	}
	return c.JSON(http.StatusOK, resp)
}

// ListAgents handles GET /api/v1/agents?user_id=ID.
func (h *Handler) ListAgents(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return badRequest("user_id is required")
	}
	agents, err := h.Store.List(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	if agents == nil {
		agents = []domain.Agent{}
	}
	return c.JSON(http.StatusOK, agents)
}

// SendMessage handles POST /api/v1/agents/:name/messages.
func (h *Handler) SendMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	reply, err := h.Workers.Chat(context.WithoutCancel(c.Request().Context()), bridge.ChatRequest{
		Agent:    c.Param("name"),
		Message:  req.Message,
		Callback: req.Callback,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reply)
}

// GenerateMedia handles POST /api/v1/media.
func (h *Handler) GenerateMedia(c echo.Context) error {
	var req MediaRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	res, err := h.Workers.GenerateMedia(context.WithoutCancel(c.Request().Context()), bridge.MediaRequest{
		WorkflowID: req.WorkflowID,
		Kind:       agentproc.MediaKind(req.Kind),
		Prompt:     req.Prompt,
		Params:     req.Params,
		Callback:   req.Callback,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, MediaResponse{
		Text:      res.Text,
		ImagePath: res.ImagePath,
		AudioPath: res.AudioPath,
		CostUSD:   res.CostUSD,
	})
}

// isRequestError separates a rejected request from a workflow that ran and
// failed.
func isRequestError(err error) bool {
	switch domain.CodeOf(err) {
	case domain.ErrInvalidInput.Code, domain.ErrInvalidStatus.Code, domain.ErrFlowNotFound.Code,
		domain.ErrWorkflowBusy.Code, domain.ErrFlowAlreadyDone.Code:
		return true
	}
	return false
}

func sinceSeq(c echo.Context) int64 {
	if s := c.QueryParam("since_seq"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func badRequest(msg string) error {
	return domain.NewEngineError(domain.ErrInvalidInput.Code, msg)
}

// statusFor maps engine error codes to HTTP statuses.
func statusFor(code int) int {
	switch code {
	case domain.ErrFlowNotFound.Code, domain.ErrAgentNotFound.Code:
		return http.StatusNotFound
	case domain.ErrInvalidInput.Code:
		return http.StatusBadRequest
	case domain.ErrWorkflowBusy.Code, domain.ErrFlowAlreadyDone.Code, domain.ErrInvalidStatus.Code,
		domain.ErrInvalidTransition.Code, domain.ErrNoPlan.Code, domain.ErrAgentExists.Code:
		return http.StatusConflict
	case domain.ErrBudgetExceeded.Code, domain.ErrPermissionDenied.Code:
		return http.StatusForbidden
	case domain.ErrRateLimitExceeded.Code, domain.ErrTooManyActive.Code:
		return http.StatusTooManyRequests
	case domain.ErrWorkerTimeout.Code:
		return http.StatusGatewayTimeout
	case domain.ErrSpawnFailed.Code, domain.ErrProcess.Code, domain.ErrWorkerReported.Code,
		domain.ErrMediaFailed.Code, domain.ErrParse.Code, domain.ErrUnexpectedOutput.Code:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// ErrorHandler renders every error as an APIError.
func (h *Handler) ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	body := APIError{Code: -1, Message: err.Error()}

	var ee *domain.EngineError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ee):
		status = statusFor(ee.Code)
		body = APIError{Code: ee.Code, Message: ee.Message}
	case errors.As(err, &he):
		status = he.Code
		body = APIError{Code: he.Code, Message: fmt.Sprint(he.Message)}
	}
	if status >= http.StatusInternalServerError {
		h.log().WithError(err).WithField("path", c.Path()).Error("request failed")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		h.log().WithError(err).Warn("write error response")
	}
}
