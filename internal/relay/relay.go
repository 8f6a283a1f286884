package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ccrelay/ccrelay/internal/admission"
	"github.com/ccrelay/ccrelay/internal/config"
	"github.com/ccrelay/ccrelay/internal/configwatch"
	"github.com/ccrelay/ccrelay/internal/decorator"
	"github.com/ccrelay/ccrelay/internal/protocol"
	"github.com/ccrelay/ccrelay/internal/streaming"
	"github.com/ccrelay/ccrelay/internal/telemetry"
	"github.com/ccrelay/ccrelay/internal/upstream"
)

// Relay wires the admission controller, protocol translators, request
// decorator, and upstream client into the end-to-end pipeline C7 →
// C4 → C3 → C6 → C5 that each HTTP handler below drives.
type Relay struct {
	cfg       *config.Config
	admission *admission.Controller
	upstream  *upstream.Client
	telemetry *telemetry.Sink
	models    *configwatch.Watcher
}

func New(cfg *config.Config, adm *admission.Controller, up *upstream.Client, sink *telemetry.Sink, models *configwatch.Watcher) *Relay {
	return &Relay{cfg: cfg, admission: adm, upstream: up, telemetry: sink, models: models}
}

// mapModel rewrites an inbound model name through the live model-mapping
// table, leaving it untouched when there is no entry (spec.md §9: model
// selection is a pure name-mapping table, nothing smarter).
func (rl *Relay) mapModel(name string) string {
	if rl.models == nil {
		return name
	}
	if mapped, ok := rl.models.Current().ModelMapping[name]; ok && mapped != "" {
		return mapped
	}
	return name
}

// HandleModels serves the fixed model catalogue (spec.md §6).
func (rl *Relay) HandleModels(w http.ResponseWriter, r *http.Request) {
	models := []map[string]any{
		{"id": "claude-opus-4-1-20250805", "object": "model", "owned_by": "anthropic"},
		{"id": "claude-sonnet-4-5-20250929", "object": "model", "owned_by": "anthropic"},
		{"id": "claude-3-5-haiku-20241022", "object": "model", "owned_by": "anthropic"},
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

// HandleChatCompletions serves POST /v1/chat/completions.
func (rl *Relay) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, raw, err := parseBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	conv, err := protocol.FromChatCompletions(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	conv.Model = rl.mapModel(conv.Model)
	rl.dispatch(w, r, raw, conv, false, func(upstreamBody map[string]any) map[string]any {
		return protocol.ToChatCompletionsResponse(upstreamBody)
	}, func(ctx context.Context, src io.Reader, dst io.Writer, flush func()) error {
		return streaming.ToChatCompletions(ctx, src, dst, flush, conv.Model)
	}, func(w io.Writer, flush func(), errType, message string) error {
		return streaming.WriteChatCompletionsStreamError(w, flush, conv.Model, errType, message)
	})
}

// HandleResponses serves POST /v1/responses.
func (rl *Relay) HandleResponses(w http.ResponseWriter, r *http.Request) {
	body, raw, err := parseBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	conv, err := protocol.FromResponses(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	conv.Model = rl.mapModel(conv.Model)
	responseID := "resp_" + uuid.NewString()
	rl.dispatch(w, r, raw, conv, true, func(upstreamBody map[string]any) map[string]any {
		return protocol.ToResponsesResponse(upstreamBody)
	}, func(ctx context.Context, src io.Reader, dst io.Writer, flush func()) error {
		return streaming.ToResponses(ctx, src, dst, flush, conv.Model, responseID)
	}, func(w io.Writer, flush func(), errType, message string) error {
		return streaming.WriteResponsesStreamError(w, flush, errType, message)
	})
}

// HandleMessages serves POST /v1/messages: a decoration-only passthrough,
// not a protocol translation, since the wire shape already is canonical.
func (rl *Relay) HandleMessages(w http.ResponseWriter, r *http.Request) {
	body, raw, err := parseBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	if model, ok := body["model"].(string); ok {
		body["model"] = rl.mapModel(model)
	}
	model, _ := body["model"].(string)

	// Warmup/title-generation probes never need the upstream; answer them
	// locally so they don't consume a session slot or a real request.
	if decorator.IsWarmupRequest(body) {
		if streamRequested, _ := body["stream"].(bool); streamRequested {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			flusher, _ := w.(http.Flusher)
			for _, event := range decorator.WarmupEvents(model) {
				io.WriteString(w, event)
				if flusher != nil {
					flusher.Flush()
				}
			}
			return
		}
		writeJSON(w, http.StatusOK, decorator.WarmupMessage(model))
		return
	}

	sessionKey := admission.SessionKey(body)
	decision := rl.admission.Begin(sessionKey, raw, func() {})
	if !decision.Accepted {
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", decision.Reason)
		return
	}
	defer rl.admission.End(sessionKey)

	decorated := decorator.Apply(body, decorator.Config{CacheMessageCount: rl.cfg.CacheMessageCount, MaxCacheControls: rl.cfg.MaxCacheControls, NativeEndpoint: true})
	streamRequested, _ := decorated["stream"].(bool)

	resp, err := rl.upstream.Send(r.Context(), decorated)
	if err != nil {
		rl.finishWithUpstreamError(w, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if streamRequested {
			rl.streamUpstreamError(w, resp, func(w io.Writer, flush func(), errType, message string) error {
				return streaming.WriteMessagesStreamError(w, flush, errType, message)
			})
			return
		}
		rl.forwardUpstreamError(w, resp)
		return
	}

	if streamRequested {
		rl.streamPassthrough(w, r, resp)
		return
	}

	var upstreamBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&upstreamBody); err != nil {
		writeError(w, http.StatusBadGateway, "api_error", "malformed upstream response")
		return
	}
	b, _ := json.Marshal(upstreamBody)
	writeRawJSON(w, http.StatusOK, decorator.StripMCPPrefix(b))
}

// dispatch runs the shared C7→C3→C6→C5 pipeline for the two translating
// endpoints; render/renderStream turn the upstream response into the
// caller's wire format.
func (rl *Relay) dispatch(
	w http.ResponseWriter, r *http.Request,
	raw []byte, conv *protocol.Conversation, nativeEndpoint bool,
	render func(map[string]any) map[string]any,
	renderStream func(ctx context.Context, src io.Reader, dst io.Writer, flush func()) error,
	writeStreamError func(w io.Writer, flush func(), errType, message string) error,
) {
	sessionKey := admission.SessionKey(map[string]any{"model": conv.Model, "stream": conv.Stream})
	if sid := sessionIDFromRaw(raw); sid != "" {
		sessionKey = sid
	}
	decision := rl.admission.Begin(sessionKey, raw, func() {})
	if !decision.Accepted {
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", decision.Reason)
		return
	}
	defer rl.admission.End(sessionKey)

	body := protocol.BuildUpstreamRequest(conv)
	body = decorator.Apply(body, decorator.Config{CacheMessageCount: rl.cfg.CacheMessageCount, MaxCacheControls: rl.cfg.MaxCacheControls, NativeEndpoint: nativeEndpoint})

	started := time.Now()
	resp, err := rl.upstream.Send(r.Context(), body)
	if err != nil {
		rl.finishWithUpstreamError(w, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if conv.Stream {
			rl.streamUpstreamError(w, resp, writeStreamError)
			return
		}
		rl.forwardUpstreamError(w, resp)
		return
	}

	if conv.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		flush := func() {
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err := renderStream(r.Context(), resp.Body, w, flush); err != nil {
			slog.Warn("stream rewrite ended early", "error", err, "elapsed", time.Since(started))
			rl.telemetry.Record(telemetry.Event{Model: conv.Model, Status: "client disconnected"})
			return
		}
		rl.telemetry.Record(telemetry.Event{Model: conv.Model, Status: "completed"})
		return
	}

	var upstreamBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&upstreamBody); err != nil {
		writeError(w, http.StatusBadGateway, "api_error", "malformed upstream response")
		return
	}
	writeJSON(w, http.StatusOK, render(upstreamBody))
	rl.telemetry.Record(telemetry.Event{Model: conv.Model, Status: "completed"})
}

func (rl *Relay) streamPassthrough(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	tel, err := streaming.ToMessages(r.Context(), resp.Body, w, flush)
	if err != nil {
		slog.Warn("native stream rewrite ended early", "error", err)
		rl.telemetry.Record(telemetry.Event{Status: "client disconnected"})
		return
	}
	rl.telemetry.Record(telemetry.Event{Status: "completed", InputTokens: tel.InputTokens, OutputTokens: tel.OutputTokens})
}

func (rl *Relay) finishWithUpstreamError(w http.ResponseWriter, err error) {
	slog.Error("upstream call failed", "error", err)
	writeError(w, http.StatusBadGateway, "api_error", "upstream request failed")
}

func (rl *Relay) forwardUpstreamError(w http.ResponseWriter, resp *http.Response) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	status, sanitized := SanitizeError(resp.StatusCode, body)
	writeRawJSON(w, status, sanitized)
}

// streamUpstreamError renders an UpstreamFatal error (spec.md §7) inside a
// freshly opened SSE response instead of a flat JSON body, for the case
// where the client asked to stream but the upstream call itself failed
// before any event ever reached a rewriter. A streaming response, once
// opened, never reverts to the non-stream error shape.
func (rl *Relay) streamUpstreamError(w http.ResponseWriter, resp *http.Response, write func(w io.Writer, flush func(), errType, message string) error) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_, sanitized := SanitizeError(resp.StatusCode, body)
	errType, message := errorParts(sanitized)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := write(w, flush, errType, message); err != nil {
		slog.Warn("stream error write failed", "error", err)
	}
}

func errorParts(sanitized []byte) (string, string) {
	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	json.Unmarshal(sanitized, &parsed)
	return parsed.Error.Type, parsed.Error.Message
}

func sessionIDFromRaw(raw []byte) string {
	var probe struct {
		SessionID string `json:"session_id"`
		Metadata  struct {
			SessionID string `json:"session_id"`
		} `json:"metadata"`
	}
	if json.Unmarshal(raw, &probe) != nil {
		return ""
	}
	if probe.SessionID != "" {
		return probe.SessionID
	}
	return probe.Metadata.SessionID
}

func parseBody(r *http.Request) (map[string]any, []byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 20<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return body, raw, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to encode response")
		return
	}
	writeRawJSON(w, status, b)
}

func writeRawJSON(w http.ResponseWriter, status int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, map[string]any{"type": "error", "error": map[string]any{"type": errType, "message": msg}})
}
