// Package gateway exposes the HTTP surface: a WebSocket chat endpoint, REST
// endpoints for messages and resumptions, the authorization callback, and
// the health and metrics handlers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convoflow/convoflow/internal/broker"
	"github.com/convoflow/convoflow/internal/engine"
	"github.com/convoflow/convoflow/internal/state/store"
)

// Gateway routes HTTP traffic to the engine.
type Gateway struct {
	engine   *engine.Engine
	store    *store.Store
	broker   *broker.Broker
	registry *prometheus.Registry
}

// New returns a gateway. registry may be nil to disable /metrics.
func New(eng *engine.Engine, st *store.Store, br *broker.Broker, registry *prometheus.Registry) *Gateway {
	return &Gateway{engine: eng, store: st, broker: br, registry: registry}
}

// Handler returns the full route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", g.handleWebSocket)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", g.handlePostMessage)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", g.handleGetMessages)
	mux.HandleFunc("POST /v1/interactions/{id}/resume", g.handleResume)
	mux.HandleFunc("GET /oauth/callback", g.handleOAuthCallback)
	mux.HandleFunc("GET /healthz", g.handleHealthz)
	if g.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// handleHealthz reports store and broker reachability.
func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok", "broker": "ok"}
	status := http.StatusOK
	if err := g.store.Ping(r.Context()); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := g.broker.Ping(r.Context()); err != nil {
		checks["broker"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}

type messageRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func (g *Gateway) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "user_id and text are required")
		return
	}
	resp, err := g.engine.StartOrContinue(r.Context(), conversationID, req.UserID, req.Text)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := g.store.Messages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load transcript")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type resumeRequest struct {
	Params map[string]string `json:"params"`
}

func (g *Gateway) handleResume(w http.ResponseWriter, r *http.Request) {
	interactionID := r.PathValue("id")
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Params == nil {
		req.Params = map[string]string{}
	}
	resp, err := g.engine.Resume(r.Context(), interactionID, req.Params)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleOAuthCallback is the browser redirect target after the provider's
// authorization flow. status=granted resumes the session; anything else is
// treated as a denial.
func (g *Gateway) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	interactionID := r.URL.Query().Get("interaction_id")
	if interactionID == "" {
		writeError(w, http.StatusBadRequest, "interaction_id is required")
		return
	}
	granted := r.URL.Query().Get("status") == "granted"

	resp, err := g.engine.Resume(r.Context(), interactionID, engine.OAuthResult{Granted: granted})
	if err != nil {
		if errors.Is(err, broker.ErrInteractionNotFound) {
			writeError(w, http.StatusNotFound, "this authorization link has expired or was already used")
			return
		}
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "You can close this window.\n\n%s\n", resp.Message)
}

// chatFrame is one client-to-server WebSocket message. Either text for a
// conversation turn or interaction_id plus params for a resumption.
type chatFrame struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	Text           string            `json:"text,omitempty"`
	InteractionID  string            `json:"interaction_id,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
}

type errorFrame struct {
	Error string `json:"error"`
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("gateway: websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		var frame chatFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		resp, err := g.dispatchFrame(ctx, frame)
		if err != nil {
			if werr := wsjson.Write(ctx, conn, errorFrame{Error: userFacing(err)}); werr != nil {
				return
			}
			continue
		}
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			return
		}
	}
}

var errInvalidFrame = errors.New("frame needs either conversation_id/user_id/text or interaction_id")

func (g *Gateway) dispatchFrame(ctx context.Context, frame chatFrame) (*engine.Response, error) {
	switch {
	case frame.InteractionID != "":
		params := frame.Params
		if params == nil {
			params = map[string]string{}
		}
		return g.engine.Resume(ctx, frame.InteractionID, params)
	case frame.ConversationID != "" && frame.UserID != "" && frame.Text != "":
		return g.engine.StartOrContinue(ctx, frame.ConversationID, frame.UserID, frame.Text)
	default:
		return nil, errInvalidFrame
	}
}

// userFacing maps an error to the string a client may see. Anything not
// explicitly classified is logged and masked: internal failure detail never
// reaches the user.
func userFacing(err error) string {
	switch {
	case errors.Is(err, errInvalidFrame):
		return err.Error()
	case errors.Is(err, engine.ErrConflict):
		return "a previous request is still being processed, try again shortly"
	case errors.Is(err, broker.ErrInteractionNotFound):
		return "that interaction has expired or was already handled"
	case errors.Is(err, broker.ErrKindMismatch), errors.Is(err, engine.ErrInvalidPayload):
		return "that response does not match what the session is waiting for"
	default:
		log.Printf("gateway: %v", err)
		return "internal error"
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrConflict):
		writeError(w, http.StatusConflict, userFacing(err))
	case errors.Is(err, broker.ErrInteractionNotFound):
		writeError(w, http.StatusNotFound, userFacing(err))
	case errors.Is(err, broker.ErrKindMismatch), errors.Is(err, engine.ErrInvalidPayload):
		writeError(w, http.StatusUnprocessableEntity, userFacing(err))
	default:
		log.Printf("gateway: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("gateway: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorFrame{Error: msg})
}
