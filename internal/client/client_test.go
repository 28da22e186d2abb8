package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/conversation"
	"parley/internal/models"
	"parley/internal/provider"
	"parley/internal/provider/claude"
	"parley/internal/provider/gemini"
	"parley/internal/provider/openai"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newUpstream(t *testing.T, r *mux.Router) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// echoChat answers every chat completion with "reply N" and records the
// number of messages it was sent.
func echoChat(t *testing.T, seen *[]int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []map[string]string `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		*seen = append(*seen, len(body.Messages))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"c%d","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"reply %d"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`,
			len(*seen), len(*seen))
	}
}

func newGeneric(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithBaseURL(baseURL), WithLogger(quiet)}, opts...)
	c, err := New(openai.New(), "", "local-model", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func roles(turns []*conversation.Turn) []conversation.Role {
	out := make([]conversation.Role, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Role())
	}
	return out
}

func TestSendTurnAlternatesHistory(t *testing.T) {
	var seen []int
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", echoChat(t, &seen)).Methods(http.MethodPost)
	srv := newUpstream(t, r)

	c := newGeneric(t, srv.URL, WithSystemInstruction("be brief"))

	for i := 1; i <= 3; i++ {
		reply, err := c.SendTurn(context.Background(), fmt.Sprintf("question %d", i), models.Sampling{})
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("reply %d", i), reply.Text)
		assert.Equal(t, 2, reply.Usage.TotalTokens)
	}

	history := c.History()
	require.Len(t, history, 7)
	assert.Equal(t, []conversation.Role{
		conversation.RoleSystem,
		conversation.RoleUser, conversation.RoleAssistant,
		conversation.RoleUser, conversation.RoleAssistant,
		conversation.RoleUser, conversation.RoleAssistant,
	}, roles(history))
	assert.Equal(t, []int{2, 4, 6}, seen)
}

func TestSetSystemInstructionTwiceKeepsOneTurn(t *testing.T) {
	c := newGeneric(t, "http://127.0.0.1:0")
	c.SetSystemInstruction("rules")
	c.SetSystemInstruction("rules")

	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, conversation.RoleSystem, history[0].Role())
	assert.Equal(t, "rules", history[0].Text())
}

func TestTransportFailureRestoresHistory(t *testing.T) {
	var seen []int
	var fail atomic.Bool
	ok := echoChat(t, &seen)
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, req *http.Request) {
		if fail.Load() {
			http.Error(w, `{"error":{"message":"overloaded","type":"server_error"}}`, http.StatusServiceUnavailable)
			return
		}
		ok(w, req)
	})
	srv := newUpstream(t, r)

	c := newGeneric(t, srv.URL)
	_, err := c.SendTurn(context.Background(), "first", models.Sampling{})
	require.NoError(t, err)
	before := c.History()

	fail.Store(true)
	_, err = c.SendTurn(context.Background(), "hello", models.Sampling{})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrTransport)

	var statusErr *provider.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "overloaded", statusErr.Message)

	assert.Equal(t, before, c.History())
}

func TestNetworkFailureRestoresHistory(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := newGeneric(t, base)
	_, err := c.SendTurn(context.Background(), "hello", models.Sampling{})
	assert.ErrorIs(t, err, provider.ErrTransport)
	assert.Empty(t, c.History())
}

func TestMalformedResponseKeepsUserTurn(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"choices": [`)
	})
	srv := newUpstream(t, r)

	c := newGeneric(t, srv.URL)
	_, err := c.SendTurn(context.Background(), "hello", models.Sampling{})
	assert.ErrorIs(t, err, provider.ErrMalformedResponse)

	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, conversation.RoleUser, history[0].Role())
	assert.Equal(t, "hello", history[0].Text())
}

func TestEmptyResponseKeepsUserTurn(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"id":"x","choices":[]}`)
	})
	srv := newUpstream(t, r)

	c := newGeneric(t, srv.URL)
	_, err := c.SendTurn(context.Background(), "hello", models.Sampling{})
	assert.ErrorIs(t, err, provider.ErrEmptyResponse)
	assert.Len(t, c.History(), 1)
}

func TestCancellationRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, req *http.Request) {
		cancel()
		<-req.Context().Done()
	})
	srv := newUpstream(t, r)

	c := newGeneric(t, srv.URL)
	_, err := c.SendTurn(ctx, "hello", models.Sampling{})
	assert.ErrorIs(t, err, provider.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, c.History())
}

func TestCancelledBeforeSendNeverTransmits(t *testing.T) {
	var hits atomic.Int32
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", func(http.ResponseWriter, *http.Request) { hits.Add(1) })
	srv := newUpstream(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newGeneric(t, srv.URL)
	_, err := c.SendTurn(ctx, "hello", models.Sampling{})
	assert.ErrorIs(t, err, provider.ErrCancelled)
	assert.Empty(t, c.History())
	assert.Zero(t, hits.Load())
}

func TestPreconditionsLeaveHistoryUntouched(t *testing.T) {
	var hits atomic.Int32
	r := mux.NewRouter()
	r.PathPrefix("/").HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) })
	srv := newUpstream(t, r)

	generic := newGeneric(t, srv.URL)
	_, err := generic.SendTurn(context.Background(), "   ", models.Sampling{})
	assert.ErrorIs(t, err, provider.ErrInvalidArgument)

	_, err = generic.SendTurn(context.Background(), "hi", models.Sampling{Temperature: models.Float(3)})
	assert.ErrorIs(t, err, provider.ErrInvalidArgument)
	assert.Empty(t, generic.History())

	anthropic, err := New(claude.New(), " ", "claude-test", WithBaseURL(srv.URL), WithLogger(quiet))
	require.NoError(t, err)
	_, err = anthropic.SendTurn(context.Background(), "hi", models.Sampling{})
	assert.ErrorIs(t, err, provider.ErrUnauthenticated)
	_, err = anthropic.ListModels(context.Background())
	assert.ErrorIs(t, err, provider.ErrUnauthenticated)
	assert.Empty(t, anthropic.History())

	assert.Zero(t, hits.Load())
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	_, err := New(openai.New(), "", " ")
	assert.ErrorIs(t, err, provider.ErrInvalidArgument)

	_, err = New(nil, "", "m")
	assert.ErrorIs(t, err, provider.ErrInvalidArgument)

	_, err = New(claude.New(), "k", "m", WithSampling(models.Sampling{Temperature: models.Float(1.5)}))
	assert.ErrorIs(t, err, provider.ErrInvalidArgument)
}

func TestOverridesBeatInstanceDefaults(t *testing.T) {
	var got map[string]any
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	})
	srv := newUpstream(t, r)

	c := newGeneric(t, srv.URL, WithSampling(models.Sampling{Temperature: models.Float(0.1), MaxTokens: models.Int(50)}))
	_, err := c.SendTurn(context.Background(), "hi", models.Sampling{Temperature: models.Float(1.2)})
	require.NoError(t, err)

	assert.Equal(t, 1.2, got["temperature"])
	assert.Equal(t, float64(50), got["max_tokens"])
	assert.Equal(t, false, got["stream"])
}

func TestStreamTurnAccumulatesChunks(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "text/event-stream", req.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Hel", "lo", " world"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", piece)
		}
		_, _ = io.WriteString(w, "data: {broken\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	srv := newUpstream(t, r)

	c := newGeneric(t, srv.URL)
	var chunks []string
	reply, err := c.StreamTurn(context.Background(), "greet", models.Sampling{}, func(s string) {
		chunks = append(chunks, s)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo", " world"}, chunks)
	assert.Equal(t, "Hello world", reply.Text)

	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, conversation.RoleAssistant, history[1].Role())
	assert.Equal(t, "Hello world", history[1].Text())
}

func TestStreamTurnEmptyStreamKeepsUserTurn(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	srv := newUpstream(t, r)

	c := newGeneric(t, srv.URL)
	_, err := c.StreamTurn(context.Background(), "greet", models.Sampling{}, nil)
	assert.ErrorIs(t, err, provider.ErrEmptyResponse)
	assert.Len(t, c.History(), 1)
}

func TestStreamTurnStatusFailureRollsBack(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})
	srv := newUpstream(t, r)

	c := newGeneric(t, srv.URL)
	_, err := c.StreamTurn(context.Background(), "greet", models.Sampling{}, nil)
	assert.ErrorIs(t, err, provider.ErrTransport)
	assert.Empty(t, c.History())
}

func TestAnthropicExchange(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/messages", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "secret", req.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", req.Header.Get("anthropic-version"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "Be terse.", body["system"])
		assert.Len(t, body["messages"], 1)

		_, _ = io.WriteString(w, `{"id":"msg","type":"message","role":"assistant","content":[{"type":"text","text":"One"},{"type":"text","text":"Two"}],"stop_reason":"end_turn","usage":{"input_tokens":4,"output_tokens":2}}`)
	}).Methods(http.MethodPost)
	srv := newUpstream(t, r)

	c, err := New(claude.New(), "secret", "claude-test",
		WithBaseURL(srv.URL+"/v1/"), WithSystemInstruction("Be terse."), WithLogger(quiet))
	require.NoError(t, err)

	reply, err := c.SendTurn(context.Background(), "Count", models.Sampling{})
	require.NoError(t, err)
	assert.Equal(t, "One\nTwo", reply.Text)
	assert.Equal(t, "end_turn", reply.FinishReason)
	assert.Len(t, c.History(), 3)
}

func TestAnthropicStream(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/messages", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		_, _ = io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n")
		_, _ = io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"!\"}}\n\n")
		_, _ = io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	})
	srv := newUpstream(t, r)

	c, err := New(claude.New(), "secret", "claude-test", WithBaseURL(srv.URL+"/v1/"), WithLogger(quiet))
	require.NoError(t, err)

	reply, err := c.StreamTurn(context.Background(), "Hello", models.Sampling{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi!", reply.Text)
}

func TestGeminiExchangeAndModels(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1beta/models/{model}:generateContent", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "gemini-test", mux.Vars(req)["model"])
		assert.Equal(t, "g-key", req.URL.Query().Get("key"))
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Bonjour"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":1,"totalTokenCount":3}}`)
	}).Methods(http.MethodPost)
	r.HandleFunc("/v1beta/models", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "g-key", req.URL.Query().Get("key"))
		_, _ = io.WriteString(w, `{"models":[{"name":"models/gemini-test","inputTokenLimit":1000}]}`)
	}).Methods(http.MethodGet)
	srv := newUpstream(t, r)

	c, err := New(gemini.New(), "g-key", "gemini-test", WithBaseURL(srv.URL+"/v1beta/models/"), WithLogger(quiet))
	require.NoError(t, err)

	reply, err := c.SendTurn(context.Background(), "Hello", models.Sampling{})
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", reply.Text)
	assert.Equal(t, 3, reply.Usage.TotalTokens)

	list, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1000, list[0].ContextWindow)
}

func TestListModelsGeneric(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/models", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"object":"list","data":[]}`)
	})
	srv := newUpstream(t, r)

	list, err := newGeneric(t, srv.URL).ListModels(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestListModelsFailure(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/models", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	})
	srv := newUpstream(t, r)

	_, err := newGeneric(t, srv.URL).ListModels(context.Background())
	var statusErr *provider.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
}

func TestHistoryManagement(t *testing.T) {
	c := newGeneric(t, "http://127.0.0.1:0", WithSystemInstruction("sys"))

	require.NoError(t, c.SetHistory([]*conversation.Turn{
		conversation.NewText(conversation.RoleUser, "u"),
		conversation.NewText(conversation.RoleSystem, "s2"),
		conversation.NewText(conversation.RoleAssistant, "a"),
	}))
	assert.Equal(t, []conversation.Role{conversation.RoleSystem, conversation.RoleUser, conversation.RoleAssistant}, roles(c.History()))

	c.ClearHistory(true)
	require.Len(t, c.History(), 1)
	c.ClearHistory(false)
	assert.Empty(t, c.History())

	assert.ErrorIs(t, c.SetHistory([]*conversation.Turn{nil}), provider.ErrInvalidArgument)
	assert.Equal(t, "openai", c.Provider())
	assert.Equal(t, "local-model", c.Model())
}

func TestBorrowedHTTPClientIsUsed(t *testing.T) {
	var hits atomic.Int32
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	})
	srv := newUpstream(t, r)

	c := newGeneric(t, srv.URL, WithHTTPClient(srv.Client()))
	assert.False(t, c.handle.Owned())

	_, err := c.SendTurn(context.Background(), "hi", models.Sampling{})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.SendTurn(context.Background(), "again", models.Sampling{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestStreamOutlivesTimeout(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i, piece := range []string{"Hel", "lo", " wor", "ld"} {
			if i > 0 {
				time.Sleep(150 * time.Millisecond)
			}
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", piece)
			flusher.Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	srv := newUpstream(t, r)

	c := newGeneric(t, srv.URL, WithTimeout(300*time.Millisecond))
	var chunks []string
	reply, err := c.StreamTurn(context.Background(), "greet", models.Sampling{}, func(s string) {
		chunks = append(chunks, s)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", " wor", "ld"}, chunks)
	assert.Equal(t, "Hello world", reply.Text)
	require.Len(t, c.History(), 2)
	assert.Equal(t, "Hello world", c.History()[1].Text())
}

func TestSlowHeadersTimeOut(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-req.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := newUpstream(t, r)

	c := newGeneric(t, srv.URL, WithTimeout(100*time.Millisecond))
	_, err := c.SendTurn(context.Background(), "hello", models.Sampling{})
	assert.ErrorIs(t, err, provider.ErrTransport)
	assert.NotErrorIs(t, err, provider.ErrCancelled)
	assert.Empty(t, c.History())
}

func TestStreamConnectionDropRollsBack(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", piece)
		}
		w.(http.Flusher).Flush()

		conn, _, err := w.(http.Hijacker).Hijack()
		if !assert.NoError(t, err) {
			return
		}
		_ = conn.Close()
	})
	srv := newUpstream(t, r)

	c := newGeneric(t, srv.URL, WithSystemInstruction("sys"))
	var chunks []string
	_, err := c.StreamTurn(context.Background(), "greet", models.Sampling{}, func(s string) {
		chunks = append(chunks, s)
	})
	assert.ErrorIs(t, err, provider.ErrTransport)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)

	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, conversation.RoleSystem, history[0].Role())
}

func TestGeminiStream(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1beta/models/{model}:streamGenerateContent", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "gemini-test", mux.Vars(req)["model"])
		assert.Equal(t, "sse", req.URL.Query().Get("alt"))
		assert.Equal(t, "g-key", req.URL.Query().Get("key"))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":%q}]}}]}\r\n\r\n", piece)
		}
		_, _ = io.WriteString(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"\"}]},\"finishReason\":\"STOP\"}]}\r\n\r\n")
	}).Methods(http.MethodPost)
	srv := newUpstream(t, r)

	c, err := New(gemini.New(), "g-key", "gemini-test", WithBaseURL(srv.URL+"/v1beta/models/"), WithLogger(quiet))
	require.NoError(t, err)

	var chunks []string
	reply, err := c.StreamTurn(context.Background(), "Hello", models.Sampling{}, func(s string) {
		chunks = append(chunks, s)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply.Text)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)

	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, "Hello", history[1].Text())
}

func TestGeminiTransportErrorHidesKey(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := New(gemini.New(), "secret-key", "gemini-test", WithBaseURL(base+"/v1beta/models/"), WithLogger(quiet))
	require.NoError(t, err)

	_, err = c.SendTurn(context.Background(), "Hello", models.Sampling{})
	require.ErrorIs(t, err, provider.ErrTransport)
	assert.NotContains(t, err.Error(), "secret-key")
	assert.Contains(t, err.Error(), "key=REDACTED")

	_, err = c.ListModels(context.Background())
	require.ErrorIs(t, err, provider.ErrTransport)
	assert.NotContains(t, err.Error(), "secret-key")
}

func TestAnthropicStreamErrorEventRollsBack(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v1/messages", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n")
		_, _ = io.WriteString(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
		_, _ = io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"!\"}}\n\n")
	})
	srv := newUpstream(t, r)

	c, err := New(claude.New(), "secret", "claude-test", WithBaseURL(srv.URL+"/v1/"), WithLogger(quiet))
	require.NoError(t, err)

	var chunks []string
	_, err = c.StreamTurn(context.Background(), "Hello", models.Sampling{}, func(s string) {
		chunks = append(chunks, s)
	})
	require.ErrorIs(t, err, provider.ErrTransport)

	var statusErr *provider.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 529, statusErr.StatusCode)
	assert.Equal(t, "overloaded_error", statusErr.Type)
	assert.Equal(t, "Overloaded", statusErr.Message)

	assert.Equal(t, []string{"Hi"}, chunks)
	assert.Empty(t, c.History())
}
