package ipc

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// Server wraps an echo instance with goalflow routing.
type Server struct {
	Echo *echo.Echo
	addr string
}

// NewServer creates a Server that binds to listenAddr.
func NewServer(h *Handler, listenAddr string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = h.ErrorHandler

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("goalflow"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	e.Use(requestLogger(h.log()))

	api := e.Group("/api/v1")
	api.GET("/health", h.Health)

	api.POST("/workflows", h.StartWorkflow)
	api.GET("/workflows", h.ListWorkflows)
	api.GET("/workflows/:id", h.GetWorkflow)
	api.POST("/workflows/:id/answers", h.AnswerQuestions)
	api.POST("/workflows/:id/approve", h.ApprovePlan)
	api.POST("/workflows/:id/cancel", h.CancelWorkflow)
	api.GET("/workflows/:id/steps", h.ListSteps)
	api.GET("/workflows/:id/audit", h.ListAudit)
	api.GET("/workflows/:id/events", h.ListEvents)
	api.GET("/workflows/:id/events/stream", h.StreamEvents)

	api.GET("/agents", h.ListAgents)
	api.POST("/agents/:name/messages", h.SendMessage)
	api.POST("/media", h.GenerateMedia)

	if h.Hub != nil {
		api.GET("/ws", h.Hub.ServeWS)
	}

	return &Server{Echo: e, addr: listenAddr}
}

// Start begins listening. It returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	err := s.Echo.Start(s.addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}

// ServeHTTP lets the server be driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Echo.ServeHTTP(w, r)
}

func requestLogger(log logrus.FieldLogger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := log.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.Round(time.Millisecond).String(),
			})
			if v.Error != nil {
				entry.WithError(v.Error).Info("request")
				return nil
			}
			entry.Debug("request")
			return nil
		},
	})
}
