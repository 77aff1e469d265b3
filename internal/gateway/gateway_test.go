package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/redis/go-redis/v9"

	"github.com/convoflow/convoflow/internal/broker"
	"github.com/convoflow/convoflow/internal/capability"
	"github.com/convoflow/convoflow/internal/engine"
	"github.com/convoflow/convoflow/internal/metrics"
	"github.com/convoflow/convoflow/internal/resolver"
	"github.com/convoflow/convoflow/internal/state"
	"github.com/convoflow/convoflow/internal/state/store"
)

type stubProvider struct {
	authenticated bool
}

func (p *stubProvider) ListApplications(context.Context, string) ([]capability.Application, error) {
	return []capability.Application{{ID: "email", Name: "Email", Description: "send and read email"}}, nil
}

func (p *stubProvider) ListActions(context.Context, string, string) ([]capability.Action, error) {
	return []capability.Action{{ID: "send", Name: "Send Email", Description: "send an email"}}, nil
}

func (p *stubProvider) GetActionSchema(context.Context, string, string) (*capability.ActionSchema, error) {
	return &capability.ActionSchema{
		AppID: "email", ActionID: "send",
		Parameters: []capability.Parameter{
			{Name: "to", Type: "string", Required: true},
			{Name: "body", Type: "string", Required: true},
		},
	}, nil
}

func (p *stubProvider) GetAuthStatus(context.Context, string, string) (*capability.AuthStatus, error) {
	if p.authenticated {
		return &capability.AuthStatus{Authenticated: true}, nil
	}
	return &capability.AuthStatus{Authenticated: false, AuthURL: "https://auth.example/connect"}, nil
}

func (p *stubProvider) ExecuteAction(context.Context, string, string, map[string]string, string) (*capability.ExecutionResult, error) {
	return &capability.ExecutionResult{Successful: true}, nil
}

func newTestServer(t *testing.T, provider *stubProvider) *httptest.Server {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	br := broker.New(rdb)
	eng := engine.New(st, br, provider, resolver.NewKeywordResolver(0),
		metrics.New(nil), engine.Config{StepTimeout: 5 * time.Second, SuspendExpiry: time.Hour})
	srv := httptest.NewServer(New(eng, st, br, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postMessage(t *testing.T, srv *httptest.Server, conversationID, text string) *engine.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"user_id": "user-1", "text": text})
	resp, err := http.Post(srv.URL+"/v1/conversations/"+conversationID+"/messages",
		"application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out engine.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return &out
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &stubProvider{authenticated: true})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestPostMessageRunsWorkflow(t *testing.T) {
	srv := newTestServer(t, &stubProvider{authenticated: true})
	out := postMessage(t, srv, "conv-1", "use email to send an email to bob@example.com saying hello there")
	if out.Status != state.StatusCompleted {
		t.Fatalf("Status = %q (message: %q)", out.Status, out.Message)
	}
	if out.RequiresInteraction {
		t.Error("RequiresInteraction on a completed run")
	}

	// The transcript is readable back over the same surface.
	resp, err := http.Get(srv.URL + "/v1/conversations/conv-1/messages")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var transcript struct {
		Messages []state.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&transcript); err != nil {
		t.Fatal(err)
	}
	if len(transcript.Messages) != 2 {
		t.Errorf("transcript has %d messages, want 2", len(transcript.Messages))
	}
}

func TestOAuthCallbackResumes(t *testing.T) {
	provider := &stubProvider{authenticated: false}
	srv := newTestServer(t, provider)

	out := postMessage(t, srv, "conv-1", "use email to send an email to bob@example.com saying hello there")
	if out.Status != state.StatusSuspendedAuth {
		t.Fatalf("Status = %q, want suspended_auth", out.Status)
	}

	provider.authenticated = true
	resp, err := http.Get(fmt.Sprintf("%s/oauth/callback?interaction_id=%s&status=granted",
		srv.URL, out.Interaction.ID))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// The link is single-use.
	again, err := http.Get(fmt.Sprintf("%s/oauth/callback?interaction_id=%s&status=granted",
		srv.URL, out.Interaction.ID))
	if err != nil {
		t.Fatal(err)
	}
	defer again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Errorf("second callback status = %d, want 404", again.StatusCode)
	}
}

func TestResumeEndpointAnswersClarification(t *testing.T) {
	srv := newTestServer(t, &stubProvider{authenticated: true})

	out := postMessage(t, srv, "conv-1", "use email to send an email saying hello there")
	if out.Status != state.StatusSuspendedClarification {
		t.Fatalf("Status = %q, want suspended_clarification", out.Status)
	}

	body, _ := json.Marshal(map[string]any{"params": map[string]string{"to": "bob@example.com"}})
	resp, err := http.Post(srv.URL+"/v1/interactions/"+out.Interaction.ID+"/resume",
		"application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var resumed engine.Response
	if err := json.NewDecoder(resp.Body).Decode(&resumed); err != nil {
		t.Fatal(err)
	}
	if resumed.Status != state.StatusCompleted {
		t.Errorf("Status = %q (message: %q)", resumed.Status, resumed.Message)
	}
}

func TestUserFacingMasksInternalDetail(t *testing.T) {
	internal := fmt.Errorf("compare-and-swap: database is locked")
	if got := userFacing(internal); got != "internal error" {
		t.Errorf("userFacing = %q, internal detail must not reach the client", got)
	}
	for _, err := range []error{engine.ErrConflict, broker.ErrInteractionNotFound, broker.ErrKindMismatch} {
		got := userFacing(fmt.Errorf("resume: %w", err))
		if got == "" || strings.Contains(got, "resume:") {
			t.Errorf("userFacing(%v) = %q", err, got)
		}
	}
}

func TestWebSocketChat(t *testing.T) {
	srv := newTestServer(t, &stubProvider{authenticated: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	err = wsjson.Write(ctx, conn, chatFrame{
		ConversationID: "conv-1", UserID: "user-1",
		Text: "use email to send an email to bob@example.com saying hello there",
	})
	if err != nil {
		t.Fatal(err)
	}
	var resp engine.Response
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != state.StatusCompleted {
		t.Errorf("Status = %q (message: %q)", resp.Status, resp.Message)
	}

	// A malformed frame gets the validation message, and the connection
	// stays usable.
	if err := wsjson.Write(ctx, conn, chatFrame{}); err != nil {
		t.Fatal(err)
	}
	var ef errorFrame
	if err := wsjson.Read(ctx, conn, &ef); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ef.Error, "frame needs") {
		t.Errorf("Error = %q", ef.Error)
	}
}

func TestPostMessageValidation(t *testing.T) {
	srv := newTestServer(t, &stubProvider{authenticated: true})
	resp, err := http.Post(srv.URL+"/v1/conversations/conv-1/messages",
		"application/json", strings.NewReader(`{"text": "no user id"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestOAuthCallbackRequiresInteractionID(t *testing.T) {
	srv := newTestServer(t, &stubProvider{authenticated: true})
	resp, err := http.Get(srv.URL + "/oauth/callback?status=granted")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
