package ipc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rogers-f/goalflow/internal/domain"
)

const defaultPollInterval = time.Second

// StreamEvents handles GET /api/v1/workflows/:id/events/stream (SSE). It
// replays stored events after since_seq, then polls for new ones. The
// stream ends with an "end" event once the workflow is terminal and drained.
func (h *Handler) StreamEvents(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.Engine.GetWorkflow(ctx, id); err != nil {
		return err
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	interval := h.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastSeq := sinceSeq(c)
	for {
		events, err := h.Store.ListEvents(ctx, id, lastSeq)
		if err != nil {
			writeSSE(w, "error", map[string]string{"message": err.Error()})
			return nil
		}
		for _, ev := range events {
			writeSSE(w, "", ev)
			lastSeq = ev.SeqNo
		}
		if len(events) == 0 {
			wf, err := h.Engine.GetWorkflow(ctx, id)
			if err != nil {
				writeSSE(w, "error", map[string]string{"message": err.Error()})
				return nil
			}
			if wf.Status.IsTerminal() {
				writeSSE(w, "end", map[string]string{"status": string(wf.Status), "error": wf.Error})
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func writeSSE(w *echo.Response, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	if ev, ok := v.(domain.ProgressEvent); ok {
		fmt.Fprintf(w, "id: %d\n", ev.SeqNo)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.Flush()
}
