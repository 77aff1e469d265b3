// Package engine drives the fixed pipeline that turns a natural-language
// request into one executed action. Sessions advance strictly forward;
// suspensions park a session until an external signal (authorization
// callback or clarification answer) resumes it at the suspended step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/internal/broker"
	"github.com/convoflow/convoflow/internal/capability"
	"github.com/convoflow/convoflow/internal/lua"
	"github.com/convoflow/convoflow/internal/metrics"
	"github.com/convoflow/convoflow/internal/resolver"
	"github.com/convoflow/convoflow/internal/state"
	"github.com/convoflow/convoflow/internal/state/store"
)

const (
	defaultStepTimeout   = 30 * time.Second
	defaultSuspendExpiry = 24 * time.Hour
)

// OAuthResult is the payload delivered by the authorization callback.
type OAuthResult struct {
	Granted bool
}

// Response is what a caller gets back after an advance attempt.
type Response struct {
	ConversationID string             `json:"conversation_id"`
	SessionID      string             `json:"session_id"`
	Status         state.Status       `json:"status"`
	CurrentStep    state.Step         `json:"current_step"`
	Message        string             `json:"message"`
	Interaction    *state.Interaction `json:"interaction,omitempty"`

	// RequiresInteraction is true when the caller must relay an
	// authorization link or clarification question to the user.
	RequiresInteraction bool `json:"requires_interaction"`
}

// Config carries the engine's tunables.
type Config struct {
	// StepTimeout bounds each outbound provider or resolver call.
	StepTimeout time.Duration
	// SuspendExpiry is how long a suspended session stays resumable.
	SuspendExpiry time.Duration
	// ExtractScript is an optional Lua hook that supplements the built-in
	// parameter extraction.
	ExtractScript string
}

// Engine orchestrates sessions over the store, broker, provider and resolver.
// It holds no per-session state of its own; concurrency control lives in the
// store's compare-and-swap.
type Engine struct {
	store    *store.Store
	broker   *broker.Broker
	provider capability.Provider
	resolver resolver.Resolver
	metrics  *metrics.Metrics
	cfg      Config
}

// New returns an engine wired to its collaborators.
func New(st *store.Store, br *broker.Broker, provider capability.Provider, res resolver.Resolver, m *metrics.Metrics, cfg Config) *Engine {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	if cfg.SuspendExpiry <= 0 {
		cfg.SuspendExpiry = defaultSuspendExpiry
	}
	return &Engine{store: st, broker: br, provider: provider, resolver: res, metrics: m, cfg: cfg}
}

// StartOrContinue handles one user message. With no active session it starts
// a new one from the message; with a clarification-suspended session it
// treats the message as the answer; with an auth-suspended session it repeats
// the authorization prompt. A pending or running session means a concurrent
// advance is in flight and the call fails with ErrConflict.
func (e *Engine) StartOrContinue(ctx context.Context, conversationID, userID, text string) (*Response, error) {
	if _, err := e.store.EnsureConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if err := e.store.AppendMessage(ctx, conversationID, newMessage(state.RoleUser, text, nil)); err != nil {
		return nil, err
	}

	sess, err := e.store.ActiveSessionForConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNoActiveSession) {
		return e.startSession(ctx, conversationID, userID, text)
	}
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case state.StatusSuspendedClarification:
		return e.continueClarification(ctx, sess, text)
	case state.StatusSuspendedAuth:
		msg := authPrompt(sess.Pending)
		e.say(ctx, sess, msg)
		return e.respond(sess, msg), nil
	default:
		e.metrics.Conflicts.Inc()
		return nil, ErrConflict
	}
}

func (e *Engine) startSession(ctx context.Context, conversationID, userID, text string) (*Response, error) {
	sess := &state.WorkflowSession{
		ID:             newID("sess_"),
		ConversationID: conversationID,
		UserID:         userID,
		Query:          strings.TrimSpace(text),
		CurrentStep:    state.StepFetchApps,
		Status:         state.StatusPending,
		Params:         map[string]string{},
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			e.metrics.Conflicts.Inc()
			return nil, ErrConflict
		}
		return nil, err
	}
	e.metrics.SessionsStarted.Inc()
	log.Printf("engine: session %s started for conversation %s", sess.ID, conversationID)

	if err := e.toRunning(ctx, sess); err != nil {
		return nil, err
	}
	return e.run(ctx, sess)
}

func (e *Engine) continueClarification(ctx context.Context, sess *state.WorkflowSession, text string) (*Response, error) {
	pending := sess.Pending
	if pending == nil {
		return nil, fmt.Errorf("session %s suspended without a pending interaction", sess.ID)
	}
	// The answer arrived on the chat channel, so the resumption entry is spent.
	if err := e.broker.Cancel(ctx, pending.ID); err != nil {
		log.Printf("engine: cancel interaction %s: %v", pending.ID, err)
	}
	sess.Pending = nil
	e.mergeAnswerText(sess, pending, text)
	e.metrics.Resumptions.WithLabelValues(string(state.InteractionClarification)).Inc()

	if err := e.toRunning(ctx, sess); err != nil {
		return nil, err
	}
	return e.run(ctx, sess)
}

// mergeAnswerText folds a free-text clarification answer into the session.
// An interaction with no missing names asked the user to refine the request,
// so the text extends the query; otherwise the extractor runs over the answer
// and the whole text falls back to the first missing parameter.
func (e *Engine) mergeAnswerText(sess *state.WorkflowSession, pending *state.Interaction, text string) {
	text = strings.TrimSpace(text)
	if len(pending.Missing) == 0 {
		sess.Query = strings.TrimSpace(sess.Query + " " + text)
		return
	}
	answers := extractParams(text, paramsFromNames(pending.Missing))
	if len(answers) == 0 {
		answers = map[string]string{pending.Missing[0]: text}
	}
	if sess.Params == nil {
		sess.Params = map[string]string{}
	}
	for k, v := range answers {
		sess.Params[k] = v
	}
}

// Resume delivers an out-of-band resumption signal. The payload type selects
// the interaction kind: OAuthResult for authorization outcomes, a parameter
// map for clarification answers. Each interaction resolves exactly once.
func (e *Engine) Resume(ctx context.Context, interactionID string, payload any) (*Response, error) {
	var kind state.InteractionKind
	switch payload.(type) {
	case OAuthResult:
		kind = state.InteractionOAuth
	case map[string]string:
		kind = state.InteractionClarification
	default:
		return nil, ErrInvalidPayload
	}

	sessionID, err := e.broker.Resolve(ctx, interactionID, kind)
	if err != nil {
		return nil, err
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Pending == nil || sess.Pending.ID != interactionID || !sess.Status.Suspended() {
		return nil, fmt.Errorf("session %s: %w", sessionID, broker.ErrInteractionNotFound)
	}
	sess.Pending = nil
	e.metrics.Resumptions.WithLabelValues(string(kind)).Inc()

	switch p := payload.(type) {
	case OAuthResult:
		if !p.Granted {
			return e.fail(ctx, sess, "authorization declined",
				"Authorization was declined, so I can't continue with that request.")
		}
	case map[string]string:
		if sess.Params == nil {
			sess.Params = map[string]string{}
		}
		for k, v := range p {
			sess.Params[k] = v
		}
	}

	if err := e.toRunning(ctx, sess); err != nil {
		return nil, err
	}
	return e.run(ctx, sess)
}

// run executes steps from sess.CurrentStep until the session suspends or
// terminates. sess must already be persisted as running.
func (e *Engine) run(ctx context.Context, sess *state.WorkflowSession) (*Response, error) {
	for {
		step := sess.CurrentStep
		start := time.Now()

		var resp *Response
		var err error
		switch step {
		case state.StepFetchApps:
			err = e.stepFetchApps(ctx, sess)
		case state.StepSelectApp:
			resp, err = e.stepSelectApp(ctx, sess)
		case state.StepAuthGate:
			resp, err = e.stepAuthGate(ctx, sess)
		case state.StepFetchActions:
			err = e.stepFetchActions(ctx, sess)
		case state.StepSelectAction:
			resp, err = e.stepSelectAction(ctx, sess)
		case state.StepFetchSchema:
			err = e.stepFetchSchema(ctx, sess)
		case state.StepNormalizeParams:
			resp, err = e.stepNormalize(ctx, sess)
		case state.StepExecute:
			resp, err = e.stepExecute(ctx, sess)
		default:
			return nil, fmt.Errorf("session %s: unknown step %v", sess.ID, float64(step))
		}
		e.metrics.StepDuration.WithLabelValues(step.Name()).Observe(time.Since(start).Seconds())

		if err != nil {
			sess.Record(state.StepResult{Step: step, Outcome: state.OutcomeFailure, Err: err.Error()})
			return e.fail(ctx, sess, err.Error(), failureMessage(step, err))
		}
		if resp != nil {
			return resp, nil
		}
		sess.CurrentStep = step.Next()
		if err := e.save(ctx, sess); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) stepFetchApps(ctx context.Context, sess *state.WorkflowSession) error {
	cctx, cancel := e.stepCtx(ctx)
	defer cancel()
	apps, err := e.provider.ListApplications(cctx, sess.UserID)
	if err != nil {
		return err
	}
	if len(apps) == 0 {
		return fmt.Errorf("no applications available for this account")
	}
	sess.Record(state.StepResult{
		Step: state.StepFetchApps, Outcome: state.OutcomeSuccess,
		Payload: state.AppsPayload{Apps: apps},
	})
	return nil
}

func (e *Engine) stepSelectApp(ctx context.Context, sess *state.WorkflowSession) (*Response, error) {
	r := sess.Result(state.StepFetchApps)
	apps, ok := payloadApps(r)
	if !ok {
		return nil, fmt.Errorf("application catalog missing before selection")
	}
	candidates := make([]resolver.Candidate, len(apps))
	for i, a := range apps {
		candidates[i] = resolver.Candidate{ID: a.ID, Name: a.Name, Description: a.Description}
	}

	cctx, cancel := e.stepCtx(ctx)
	defer cancel()
	id, err := e.resolver.ChooseBest(cctx, sess.Query, candidates)
	if errors.Is(err, resolver.ErrAmbiguous) {
		return e.suspendRefine(ctx, sess, "application")
	}
	if err != nil {
		return nil, err
	}
	for _, a := range apps {
		if a.ID == id {
			sess.Record(state.StepResult{
				Step: state.StepSelectApp, Outcome: state.OutcomeSuccess,
				Payload: state.AppSelectionPayload{App: a},
			})
			return nil, nil
		}
	}
	return nil, fmt.Errorf("selected application %q not in catalog", id)
}

func (e *Engine) stepAuthGate(ctx context.Context, sess *state.WorkflowSession) (*Response, error) {
	app, ok := sess.SelectedApp()
	if !ok {
		return nil, fmt.Errorf("no application selected before authentication check")
	}
	cctx, cancel := e.stepCtx(ctx)
	defer cancel()
	status, err := e.provider.GetAuthStatus(cctx, app.ID, sess.UserID)
	if err != nil {
		return nil, err
	}
	if status.Authenticated {
		sess.Record(state.StepResult{
			Step: state.StepAuthGate, Outcome: state.OutcomeSuccess,
			Payload: state.AuthPayload{Status: *status},
		})
		return nil, nil
	}

	intr := &state.Interaction{
		ID:        newID("intr_"),
		Kind:      state.InteractionOAuth,
		App:       app.ID,
		AuthURL:   status.AuthURL,
		CreatedAt: time.Now(),
	}
	msg := fmt.Sprintf("Before I can use %s you need to connect your account. Authorize here: %s", app.Name, status.AuthURL)
	return e.suspend(ctx, sess, state.StatusSuspendedAuth, intr, msg)
}

func (e *Engine) stepFetchActions(ctx context.Context, sess *state.WorkflowSession) error {
	app, ok := sess.SelectedApp()
	if !ok {
		return fmt.Errorf("no application selected before listing actions")
	}
	cctx, cancel := e.stepCtx(ctx)
	defer cancel()
	actions, err := e.provider.ListActions(cctx, app.ID, sess.UserID)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return fmt.Errorf("%s exposes no actions", app.Name)
	}
	sess.Record(state.StepResult{
		Step: state.StepFetchActions, Outcome: state.OutcomeSuccess,
		Payload: state.ActionsPayload{Actions: actions},
	})
	return nil
}

func (e *Engine) stepSelectAction(ctx context.Context, sess *state.WorkflowSession) (*Response, error) {
	r := sess.Result(state.StepFetchActions)
	actions, ok := payloadActions(r)
	if !ok {
		return nil, fmt.Errorf("action catalog missing before selection")
	}
	candidates := make([]resolver.Candidate, len(actions))
	for i, a := range actions {
		candidates[i] = resolver.Candidate{ID: a.ID, Name: a.Name, Description: a.Description}
	}

	cctx, cancel := e.stepCtx(ctx)
	defer cancel()
	id, err := e.resolver.ChooseBest(cctx, sess.Query, candidates)
	if errors.Is(err, resolver.ErrAmbiguous) {
		return e.suspendRefine(ctx, sess, "action")
	}
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		if a.ID == id {
			sess.Record(state.StepResult{
				Step: state.StepSelectAction, Outcome: state.OutcomeSuccess,
				Payload: state.ActionSelectionPayload{Action: a},
			})
			return nil, nil
		}
	}
	return nil, fmt.Errorf("selected action %q not in catalog", id)
}

func (e *Engine) stepFetchSchema(ctx context.Context, sess *state.WorkflowSession) error {
	app, ok := sess.SelectedApp()
	if !ok {
		return fmt.Errorf("no application selected before fetching schema")
	}
	action, ok := sess.SelectedAction()
	if !ok {
		return fmt.Errorf("no action selected before fetching schema")
	}
	cctx, cancel := e.stepCtx(ctx)
	defer cancel()
	schema, err := e.provider.GetActionSchema(cctx, app.ID, action.ID)
	if err != nil {
		return err
	}
	sess.Record(state.StepResult{
		Step: state.StepFetchSchema, Outcome: state.OutcomeSuccess,
		Payload: state.SchemaPayload{Schema: *schema},
	})
	return nil
}

func (e *Engine) stepNormalize(ctx context.Context, sess *state.WorkflowSession) (*Response, error) {
	schema, ok := sess.Schema()
	if !ok {
		return nil, fmt.Errorf("schema missing before parameter normalization")
	}

	collected := extractParams(sess.Query, schema.Parameters)
	if e.cfg.ExtractScript != "" {
		hook, err := lua.RunExtract(e.cfg.ExtractScript, sess.Query)
		if err != nil {
			log.Printf("engine: extract script: %v", err)
		}
		for k, v := range hook {
			collected[k] = v
		}
	}
	// Clarification answers win over anything extracted.
	for k, v := range sess.Params {
		collected[k] = v
	}
	sess.Params = collected

	var missing []string
	for _, name := range schema.RequiredNames() {
		if strings.TrimSpace(collected[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		intr := &state.Interaction{
			ID:        newID("intr_"),
			Kind:      state.InteractionClarification,
			Missing:   missing,
			Known:     copyParams(collected),
			CreatedAt: time.Now(),
		}
		msg := fmt.Sprintf("I need a bit more information before I can continue. What should I use for %q?", missing[0])
		if len(missing) > 1 {
			msg = fmt.Sprintf("I still need values for %s. What should I use for %q?",
				strings.Join(missing, ", "), missing[0])
		}
		return e.suspend(ctx, sess, state.StatusSuspendedClarification, intr, msg)
	}

	sess.Record(state.StepResult{
		Step: state.StepNormalizeParams, Outcome: state.OutcomeSuccess,
		Payload: state.ParamsPayload{Params: copyParams(collected)},
	})
	return nil, nil
}

func (e *Engine) stepExecute(ctx context.Context, sess *state.WorkflowSession) (*Response, error) {
	app, ok := sess.SelectedApp()
	if !ok {
		return nil, fmt.Errorf("no application selected before execution")
	}
	action, ok := sess.SelectedAction()
	if !ok {
		return nil, fmt.Errorf("no action selected before execution")
	}

	cctx, cancel := e.stepCtx(ctx)
	defer cancel()
	// Never retried: the outcome of a timed-out or failed call is unknown
	// and the action may have side effects.
	result, err := e.provider.ExecuteAction(cctx, app.ID, action.ID, sess.Params, sess.UserID)
	if err != nil {
		sess.Record(state.StepResult{Step: state.StepExecute, Outcome: state.OutcomeFailure, Err: err.Error()})
		return e.fail(ctx, sess, err.Error(), failureMessage(state.StepExecute, err))
	}
	if !result.Successful {
		sess.Record(state.StepResult{
			Step: state.StepExecute, Outcome: state.OutcomeFailure,
			Payload: state.ExecutionPayload{Result: *result}, Err: result.Error,
		})
		return e.fail(ctx, sess, result.Error,
			fmt.Sprintf("%s reported a failure while running %s: %s", app.Name, action.Name, result.Error))
	}

	sess.Record(state.StepResult{
		Step: state.StepExecute, Outcome: state.OutcomeSuccess,
		Payload: state.ExecutionPayload{Result: *result},
	})
	sess.Status = state.StatusCompleted
	if err := e.save(ctx, sess); err != nil {
		return nil, err
	}
	e.metrics.SessionsCompleted.Inc()
	log.Printf("engine: session %s completed (%s / %s)", sess.ID, app.ID, action.ID)

	msg := fmt.Sprintf("Done. %s on %s finished successfully.", action.Name, app.Name)
	e.say(ctx, sess, msg)
	return e.respond(sess, msg), nil
}

// suspendRefine parks the session because neither catalog entry was a
// confident match. Missing stays empty, which marks the interaction as a
// request refinement: the next message extends the query and the same
// selection step re-runs.
func (e *Engine) suspendRefine(ctx context.Context, sess *state.WorkflowSession, what string) (*Response, error) {
	intr := &state.Interaction{
		ID:        newID("intr_"),
		Kind:      state.InteractionClarification,
		Known:     copyParams(sess.Params),
		CreatedAt: time.Now(),
	}
	msg := fmt.Sprintf("I couldn't confidently pick an %s for that request. Could you rephrase or add more detail?", what)
	return e.suspend(ctx, sess, state.StatusSuspendedClarification, intr, msg)
}

func (e *Engine) suspend(ctx context.Context, sess *state.WorkflowSession, status state.Status, intr *state.Interaction, msg string) (*Response, error) {
	if err := e.broker.Register(ctx, sess.ID, intr, e.cfg.SuspendExpiry); err != nil {
		return nil, err
	}
	sess.Status = status
	sess.Pending = intr
	if err := e.save(ctx, sess); err != nil {
		_ = e.broker.Cancel(ctx, intr.ID)
		return nil, err
	}
	e.metrics.Suspensions.WithLabelValues(string(intr.Kind)).Inc()
	log.Printf("engine: session %s suspended at %s (%s)", sess.ID, sess.CurrentStep.Name(), intr.Kind)
	e.say(ctx, sess, msg)
	return e.respond(sess, msg), nil
}

func (e *Engine) fail(ctx context.Context, sess *state.WorkflowSession, reason, userMsg string) (*Response, error) {
	if sess.Pending != nil {
		_ = e.broker.Cancel(ctx, sess.Pending.ID)
		sess.Pending = nil
	}
	sess.Status = state.StatusFailed
	sess.FailReason = reason
	if err := e.save(ctx, sess); err != nil {
		return nil, err
	}
	e.metrics.SessionsFailed.Inc()
	log.Printf("engine: session %s failed at %s: %s", sess.ID, sess.CurrentStep.Name(), reason)
	e.say(ctx, sess, userMsg)
	return e.respond(sess, userMsg), nil
}

func (e *Engine) toRunning(ctx context.Context, sess *state.WorkflowSession) error {
	sess.Status = state.StatusRunning
	return e.save(ctx, sess)
}

func (e *Engine) save(ctx context.Context, sess *state.WorkflowSession) error {
	err := e.store.CompareAndSwap(ctx, sess)
	if errors.Is(err, store.ErrStaleVersion) {
		e.metrics.Conflicts.Inc()
		return ErrConflict
	}
	return err
}

// say appends an assistant message to the transcript. Transcript failures
// are logged, not fatal: the session state is already persisted.
func (e *Engine) say(ctx context.Context, sess *state.WorkflowSession, content string) {
	step := sess.CurrentStep
	if err := e.store.AppendMessage(ctx, sess.ConversationID, newMessage(state.RoleAssistant, content, &step)); err != nil {
		log.Printf("engine: append message: %v", err)
	}
}

func (e *Engine) respond(sess *state.WorkflowSession, msg string) *Response {
	return &Response{
		ConversationID:      sess.ConversationID,
		SessionID:           sess.ID,
		Status:              sess.Status,
		CurrentStep:         sess.CurrentStep,
		Message:             msg,
		Interaction:         sess.Pending,
		RequiresInteraction: sess.Status.Suspended(),
	}
}

func (e *Engine) stepCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.StepTimeout)
}

func authPrompt(intr *state.Interaction) string {
	if intr == nil || intr.AuthURL == "" {
		return "I'm still waiting for you to authorize the connected application."
	}
	return fmt.Sprintf("I'm still waiting on authorization. Finish connecting here: %s", intr.AuthURL)
}

func failureMessage(step state.Step, err error) string {
	switch {
	case capability.IsRateLimitError(err):
		return "The upstream service is rate limiting requests right now. Please try again in a little while."
	case capability.IsAuthError(err):
		return "The connected account is no longer authorized. Please reconnect it and try again."
	default:
		return fmt.Sprintf("Something went wrong while trying to %s. Please try again.", step.Name())
	}
}

func payloadApps(r *state.StepResult) ([]capability.Application, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.Payload.(state.AppsPayload)
	return p.Apps, ok
}

func payloadActions(r *state.StepResult) ([]capability.Action, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.Payload.(state.ActionsPayload)
	return p.Actions, ok
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func newMessage(role state.Role, content string, step *state.Step) state.Message {
	return state.Message{
		ID:        newID("msg_"),
		Role:      role,
		Content:   content,
		Step:      step,
		Timestamp: time.Now(),
	}
}

func newID(prefix string) string {
	return prefix + uuid.NewString()
}
