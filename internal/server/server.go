package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/cors"

	"parley/internal/client"
	"parley/internal/config"
	"parley/internal/session"
	"parley/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 5 * time.Minute
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg      config.Config
	builder  session.Builder
	sessions *session.Registry
	app      *echo.Echo
	handler  http.Handler
	address  string
}

// New constructs the relay wired with routing and middleware.
func New(cfg config.Config, builder session.Builder) (*Server, error) {
	if builder == nil {
		return nil, errors.New("builder must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:      cfg,
		builder:  builder,
		sessions: session.NewRegistry(builder),
		app:      e,
		address:  fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()
	srv.handler = withCORS(cfg.Server.CORSOrigins, e)

	return srv, nil
}

func withCORS(origins []string, next http.Handler) http.Handler {
	if len(origins) == 0 {
		return next
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Accept"},
		MaxAge:         600,
	}).Handler(next)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		if err := s.sessions.Close(); err != nil {
			slog.Warn("closing sessions", "err", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)

	v1 := s.app.Group("/v1")
	v1.GET("/providers", s.handleProviders)
	v1.GET("/providers/:name/models", s.handleModels)

	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.DELETE("/sessions/:id", s.handleDeleteSession)
	v1.POST("/sessions/:id/turns", s.handleTurn)
	v1.PUT("/sessions/:id/system", s.handleSetSystem)
	v1.PUT("/sessions/:id/history", s.handleSetHistory)
	v1.POST("/sessions/:id/clear", s.handleClear)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "sessions": s.sessions.Len()})
}

func (s *Server) handleProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"providers": s.cfg.ProviderNames()})
}

func (s *Server) handleModels(c echo.Context) error {
	name := c.Param("name")
	cl, err := s.builder.Build(name)
	if err != nil {
		return toHTTPError(err)
	}
	defer cl.Close()

	list, err := cl.ListModels(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromModels(name, list))
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req translator.CreateSessionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	sess, err := s.sessions.Create(req.Provider, req.System)
	if err != nil {
		return toHTTPError(err)
	}
	slog.Debug("session created", "id", sess.ID, "provider", sess.Provider)

	var resp translator.SessionResponse
	_ = sess.Do(func(cl *client.Client) error {
		resp = describe(sess, cl)
		return nil
	})
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.sessions.Lookup(c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, history(sess))
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	if err := s.sessions.Delete(c.Param("id")); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSetSystem(c echo.Context) error {
	sess, err := s.sessions.Lookup(c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}

	var req translator.SystemRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	_ = sess.Do(func(cl *client.Client) error {
		cl.SetSystemInstruction(req.Text)
		return nil
	})
	return c.JSON(http.StatusOK, history(sess))
}

func (s *Server) handleSetHistory(c echo.Context) error {
	sess, err := s.sessions.Lookup(c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}

	var req translator.HistoryRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	turns, err := req.Turns()
	if err != nil {
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	}

	if err := sess.Do(func(cl *client.Client) error { return cl.SetHistory(turns) }); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, history(sess))
}

func (s *Server) handleClear(c echo.Context) error {
	sess, err := s.sessions.Lookup(c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}

	var req translator.ClearRequest
	if err := decodeOptionalRequestBody(c, &req); err != nil {
		return err
	}

	_ = sess.Do(func(cl *client.Client) error {
		cl.ClearHistory(req.KeepSystem)
		return nil
	})
	return c.JSON(http.StatusOK, history(sess))
}

func (s *Server) handleTurn(c echo.Context) error {
	sess, err := s.sessions.Lookup(c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}

	var req translator.TurnRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	if req.Stream {
		return streamTurn(c, sess, req)
	}

	ctx := c.Request().Context()
	var resp translator.TurnResponse
	err = sess.Do(func(cl *client.Client) error {
		reply, err := cl.SendTurn(ctx, req.Text, req.Sampling())
		if err != nil {
			return err
		}
		resp = translator.FromReply(cl.Model(), reply)
		return nil
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func describe(sess *session.Session, cl *client.Client) translator.SessionResponse {
	return translator.SessionResponse{
		ID:       sess.ID,
		Provider: sess.Provider,
		Model:    cl.Model(),
		Created:  sess.Created,
	}
}

func history(sess *session.Session) translator.HistoryResponse {
	var resp translator.HistoryResponse
	_ = sess.Do(func(cl *client.Client) error {
		resp = translator.HistoryResponse{
			SessionResponse: describe(sess, cl),
			Messages:        translator.FromHistory(cl.History()),
		}
		return nil
	})
	return resp
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	return decodeBody(c, target, false)
}

func decodeOptionalRequestBody[T any](c echo.Context, target *T) error {
	return decodeBody(c, target, true)
}

func decodeBody[T any](c echo.Context, target *T, optional bool) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("parley relay ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET    /health")
	fmt.Println("  GET    /v1/providers")
	fmt.Println("  GET    /v1/providers/:name/models")
	fmt.Println("  POST   /v1/sessions")
	fmt.Println("  GET    /v1/sessions/:id")
	fmt.Println("  DELETE /v1/sessions/:id")
	fmt.Println("  POST   /v1/sessions/:id/turns")
	fmt.Println("  PUT    /v1/sessions/:id/system")
	fmt.Println("  PUT    /v1/sessions/:id/history")
	fmt.Println("  POST   /v1/sessions/:id/clear")
	fmt.Printf("Example:\n  curl -X POST http://%s:%d/v1/sessions -H 'Content-Type: application/json' -d '{\"provider\":\"local\"}'\n\n", host, port)
}
