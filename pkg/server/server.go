// Package server exposes the dispatcher as an OpenAI-compatible HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/entrhq/relay/pkg/dispatch"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/provider"
	"github.com/entrhq/relay/pkg/session"
	"github.com/entrhq/relay/pkg/tokenizer"
	"github.com/entrhq/relay/pkg/types"
)

// SessionHeader selects the provider session for a request.
const SessionHeader = "X-Relay-Session"

const maxBodyBytes = 4 << 20

// Dispatcher is the part of *dispatch.Dispatcher the server uses.
type Dispatcher interface {
	Submit(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
	Sessions() []session.Info
	Models() []provider.Model
}

// Server handles HTTP requests.
type Server struct {
	d   Dispatcher
	tok *tokenizer.Tokenizer
	log *logging.Logger
	now func() time.Time
}

// New returns a server. A nil tokenizer counts usage in words.
func New(d Dispatcher, tok *tokenizer.Tokenizer, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{d: d, tok: tok, log: log, now: time.Now}
}

// Register mounts the routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/healthz", s.handleHealth)
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return s.logRequests(mux)
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var body ChatCompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, apiError{Message: "invalid JSON body: " + err.Error(), Type: "invalid_request_error"})
		return
	}

	name := strings.TrimSpace(r.Header.Get(SessionHeader))
	if name == "" {
		name = body.User
	}
	req := dispatch.Request{
		Model:       body.Model,
		SessionName: name,
		Messages:    body.Messages,
	}

	if body.Stream {
		s.stream(w, r, body, req)
		return
	}

	resp, err := s.d.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}

	prompt := s.tok.CountMessages(body.Messages)
	completion := s.tok.CountTokens(resp.Content)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(SessionHeader, resp.SessionName)
	w.Header().Set("X-Relay-Cached", strconv.FormatBool(resp.Cached))
	_ = json.NewEncoder(w).Encode(chatCompletion{
		ID:      "chatcmpl-" + resp.ID,
		Object:  "chat.completion",
		Created: resp.Created.Unix(),
		Model:   modelName(body.Model, resp.Model),
		Choices: []choice{{
			Message:      types.NewAssistantMessage(resp.Content),
			FinishReason: "stop",
		}},
		Usage: usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	})
}

// stream answers with server-sent chat.completion.chunk events. Headers are
// held back until the first delta so that a request failing before any output
// still gets a proper error status.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, body ChatCompletionRequest, req dispatch.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, apiError{Message: "streaming unsupported", Type: "internal_error"})
		return
	}

	sse := &sseWriter{
		w:       w,
		flusher: flusher,
		id:      "chatcmpl-" + strconv.FormatInt(s.now().UnixNano(), 36),
		created: s.now().Unix(),
		model:   body.Model,
	}
	req.OnDelta = sse.delta

	resp, err := s.d.Submit(r.Context(), req)
	if err != nil {
		if !sse.started {
			s.fail(w, err)
			return
		}
		s.log.Warnf("stream %s failed after output: %v", sse.id, err)
		_, apiErr := classify(err)
		sse.event(errorBody{Error: apiErr})
		sse.done()
		return
	}

	sse.model = modelName(body.Model, resp.Model)
	sse.start()
	stop := "stop"
	sse.event(sse.chunk(delta{}, &stop))
	sse.done()
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	id      string
	created int64
	model   string
	started bool
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.event(s.chunk(delta{Role: types.RoleAssistant}, nil))
}

func (s *sseWriter) delta(text string) {
	s.start()
	s.event(s.chunk(delta{Content: text}, nil))
}

func (s *sseWriter) chunk(d delta, finish *string) chatCompletionChunk {
	return chatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []chunkChoice{{Delta: d, FinishReason: finish}},
	}
}

func (s *sseWriter) event(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

func (s *sseWriter) done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	models := s.d.Models()
	list := modelList{Object: "list", Data: make([]modelObject, 0, len(models))}
	for _, m := range models {
		list.Data = append(list.Data, modelObject{
			ID:      m.ID,
			Object:  "model",
			OwnedBy: ownerOf(m.ID),
			Name:    m.DisplayName,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	sessions := s.d.Sessions()
	if sessions == nil {
		sessions = []session.Info{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"sessions": sessions})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, apiErr := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorf("request failed: %v", err)
	} else {
		s.log.Debugf("request rejected: %v", err)
	}
	writeError(w, status, apiErr)
}

// classify maps dispatch errors onto HTTP statuses.
func classify(err error) (int, apiError) {
	var (
		authErr    *types.AuthenticationError
		expiredErr *types.SessionExpiredError
		timeoutErr *types.AutomationTimeoutError
		unavailErr *types.ProviderUnavailableError
	)
	msg := err.Error()
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		return http.StatusBadRequest, apiError{Message: msg, Type: "invalid_request_error"}
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, apiError{Message: msg, Type: "authentication_error"}
	case errors.As(err, &expiredErr):
		return http.StatusServiceUnavailable, apiError{Message: msg, Type: "session_expired"}
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout, apiError{Message: msg, Type: "timeout"}
	case errors.As(err, &unavailErr):
		return http.StatusServiceUnavailable, apiError{Message: msg, Type: "provider_unavailable"}
	case errors.Is(err, session.ErrPoolClosed):
		return http.StatusServiceUnavailable, apiError{Message: msg, Type: "shutting_down"}
	default:
		return http.StatusInternalServerError, apiError{Message: msg, Type: "internal_error"}
	}
}

func writeError(w http.ResponseWriter, status int, e apiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: e})
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, apiError{Message: "method not allowed", Type: "invalid_request_error"})
}

// modelName echoes the model the client asked for, falling back to the one
// the dispatcher resolved.
func modelName(requested, resolved string) string {
	if requested != "" {
		return requested
	}
	return resolved
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Infof("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}
