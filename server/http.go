package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	acp "github.com/agentcomm/acp"
	"github.com/agentcomm/acp/stream"
)

// Handler exposes the protocol operations over HTTP.
type Handler struct {
	srv *Server
}

// NewHandler wraps a server for HTTP serving.
func NewHandler(srv *Server) *Handler {
	return &Handler{srv: srv}
}

// RegisterRoutes mounts the protocol endpoints on the echo instance.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/agents", h.listAgents)
	e.GET("/agents/:name", h.getAgent)
	e.POST("/runs", h.createRun)
	e.GET("/runs/:run_id", h.getRun)
	e.POST("/runs/:run_id", h.resumeRun)
	e.POST("/runs/:run_id/cancel", h.cancelRun)
	e.GET("/sessions/:session_id", h.getSession)
	e.POST("/sessions/:session_id/end", h.endSession)
}

func (h *Handler) listAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"agents": h.srv.Agents()})
}

func (h *Handler) getAgent(c echo.Context) error {
	manifest, err := h.srv.Agent(c.Param("name"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, manifest)
}

func (h *Handler) createRun(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return httpError(c, acp.Errorf(acp.CodeInvalidInput, "malformed request body"))
	}
	ctx := c.Request().Context()
	bundle, err := h.srv.CreateRun(ctx, req)
	if err != nil {
		return httpError(c, err)
	}

	switch req.Mode {
	case acp.ModeStream:
		sub := h.srv.Subscribe(bundle.Snapshot().RunID, 0)
		defer sub.Cancel()
		bundle.Start()
		return h.streamEvents(c, sub)
	case acp.ModeAsync:
		bundle.Start()
		return c.JSON(http.StatusAccepted, bundle.Snapshot())
	default:
		bundle.Start()
		// Sync mode waits until the run settles or suspends on an await.
		return c.JSON(http.StatusOK, bundle.WaitIdle(ctx))
	}
}

// ResumeRequest carries the payload answering an await request.
type ResumeRequest struct {
	AwaitResume acp.AwaitResume `json:"await_resume"`
	Mode        acp.RunMode     `json:"mode,omitempty"`
}

func (h *Handler) resumeRun(c echo.Context) error {
	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return httpError(c, acp.Errorf(acp.CodeInvalidInput, "malformed request body"))
	}
	if req.Mode != "" && !req.Mode.Valid() {
		return httpError(c, acp.Errorf(acp.CodeInvalidInput, "invalid run mode %q", req.Mode))
	}
	ctx := c.Request().Context()
	bundle, err := h.srv.ResumeRun(ctx, c.Param("run_id"))
	if err != nil {
		return httpError(c, err)
	}

	switch req.Mode {
	case acp.ModeStream:
		sub := h.srv.Subscribe(c.Param("run_id"), 0)
		if err := bundle.Resume(req.AwaitResume); err != nil {
			sub.Cancel()
			return httpError(c, err)
		}
		defer sub.Cancel()
		return h.streamEvents(c, sub)
	case acp.ModeAsync:
		if err := bundle.Resume(req.AwaitResume); err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusAccepted, bundle.Snapshot())
	default:
		if err := bundle.Resume(req.AwaitResume); err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, bundle.WaitIdle(ctx))
	}
}

func (h *Handler) getRun(c echo.Context) error {
	r, err := h.srv.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) cancelRun(c echo.Context) error {
	r, err := h.srv.CancelRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, r)
}

func (h *Handler) getSession(c echo.Context) error {
	sess, err := h.srv.GetSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) endSession(c echo.Context) error {
	sess, err := h.srv.EndSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// streamEvents writes run events to the response as server-sent events
// until the subscription closes or the client disconnects.
func (h *Handler) streamEvents(c echo.Context, sub *stream.Subscription) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				return err
			}
			w.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

// httpError maps protocol error codes onto HTTP statuses and writes the
// error envelope.
func httpError(c echo.Context, err error) error {
	var perr *acp.Error
	if !errors.As(err, &perr) {
		perr = acp.Errorf(acp.CodeServerError, "%s", err.Error())
	}
	status := http.StatusInternalServerError
	switch perr.Code {
	case acp.CodeInvalidInput:
		status = http.StatusBadRequest
	case acp.CodeNotFound:
		status = http.StatusNotFound
	case acp.CodeSessionEnded, acp.CodeRunTerminal, acp.CodeNotAwaiting:
		status = http.StatusForbidden
	case acp.CodeRateLimited:
		status = http.StatusTooManyRequests
	}
	return c.JSON(status, map[string]any{"error": perr})
}
