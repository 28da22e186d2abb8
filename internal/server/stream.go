package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"parley/internal/client"
	"parley/internal/session"
	"parley/internal/translator"
)

// streamTurn relays chunks as SSE. Headers are sent with the first chunk so
// failures before any text still produce a normal JSON error.
func streamTurn(c echo.Context, sess *session.Session, req translator.TurnRequest) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		header := c.Response().Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		c.Response().WriteHeader(http.StatusOK)
	}

	ctx := c.Request().Context()
	var done translator.TurnResponse
	err := sess.Do(func(cl *client.Client) error {
		reply, err := cl.StreamTurn(ctx, req.Text, req.Sampling(), func(text string) {
			start()
			if err := writeSSEEvent(writer, "chunk", translator.ChunkEvent{Text: text}); err != nil {
				slog.Debug("failed to write SSE chunk", "err", err)
				return
			}
			flusher.Flush()
		})
		if err != nil {
			return err
		}
		done = translator.FromReply(cl.Model(), reply)
		return nil
	})

	if err != nil {
		if !started {
			return toHTTPError(err)
		}
		reqErr := toHTTPError(err).(requestError)
		var payload errorBody
		payload.Error.Message = reqErr.Message
		payload.Error.Type = reqErr.Type
		payload.Error.Code = reqErr.Code
		if werr := writeSSEEvent(writer, "error", payload); werr != nil {
			slog.Error("failed to write SSE event", "event", "error", "err", werr)
		}
		flusher.Flush()
		return nil
	}

	start()
	if err := writeSSEEvent(writer, "done", done); err != nil {
		slog.Error("failed to write SSE event", "event", "done", "err", err)
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
