package state

import (
	"encoding/json"
	"fmt"

	"github.com/convoflow/convoflow/internal/capability"
)

// Step identifies one stage of the fixed pipeline. The authentication gate
// sits between app selection and action listing as sub-step 2.5.
type Step float64

const (
	StepFetchApps       Step = 1
	StepSelectApp       Step = 2
	StepAuthGate        Step = 2.5
	StepFetchActions    Step = 3
	StepSelectAction    Step = 4
	StepFetchSchema     Step = 5
	StepNormalizeParams Step = 6
	StepExecute         Step = 7
)

var stepOrder = []Step{
	StepFetchApps, StepSelectApp, StepAuthGate, StepFetchActions,
	StepSelectAction, StepFetchSchema, StepNormalizeParams, StepExecute,
}

// Next returns the step that follows s, or 0 after the final step.
func (s Step) Next() Step {
	for i, st := range stepOrder {
		if st == s && i+1 < len(stepOrder) {
			return stepOrder[i+1]
		}
	}
	return 0
}

func (s Step) Name() string {
	switch s {
	case StepFetchApps:
		return "fetch applications"
	case StepSelectApp:
		return "select application"
	case StepAuthGate:
		return "authentication gate"
	case StepFetchActions:
		return "fetch actions"
	case StepSelectAction:
		return "select action"
	case StepFetchSchema:
		return "fetch action schema"
	case StepNormalizeParams:
		return "normalize parameters"
	case StepExecute:
		return "execute action"
	}
	return fmt.Sprintf("step %v", float64(s))
}

// Outcome of an executed step.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// StepPayload is the typed payload variant of a StepResult. The concrete
// type is determined by the step identifier.
type StepPayload interface{ isStepPayload() }

type AppsPayload struct {
	Apps []capability.Application `json:"apps"`
}

type AppSelectionPayload struct {
	App capability.Application `json:"app"`
}

type AuthPayload struct {
	Status capability.AuthStatus `json:"status"`
}

type ActionsPayload struct {
	Actions []capability.Action `json:"actions"`
}

type ActionSelectionPayload struct {
	Action capability.Action `json:"action"`
}

type SchemaPayload struct {
	Schema capability.ActionSchema `json:"schema"`
}

type ParamsPayload struct {
	Params map[string]string `json:"params"`
}

type ExecutionPayload struct {
	Result capability.ExecutionResult `json:"result"`
}

func (AppsPayload) isStepPayload()            {}
func (AppSelectionPayload) isStepPayload()    {}
func (AuthPayload) isStepPayload()            {}
func (ActionsPayload) isStepPayload()         {}
func (ActionSelectionPayload) isStepPayload() {}
func (SchemaPayload) isStepPayload()          {}
func (ParamsPayload) isStepPayload()          {}
func (ExecutionPayload) isStepPayload()       {}

// StepResult records the outcome of one executed step. Payload holds the
// step-specific variant; Err is set for failures.
type StepResult struct {
	Step    Step
	Outcome Outcome
	Payload StepPayload
	Err     string
}

type stepResultEnvelope struct {
	Step    Step            `json:"step"`
	Outcome Outcome         `json:"outcome"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     string          `json:"err,omitempty"`
}

func (r StepResult) MarshalJSON() ([]byte, error) {
	env := stepResultEnvelope{Step: r.Step, Outcome: r.Outcome, Err: r.Err}
	if r.Payload != nil {
		data, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("step %v payload: %w", float64(r.Step), err)
		}
		env.Payload = data
	}
	return json.Marshal(env)
}

func (r *StepResult) UnmarshalJSON(data []byte) error {
	var env stepResultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	r.Step = env.Step
	r.Outcome = env.Outcome
	r.Err = env.Err
	r.Payload = nil
	if len(env.Payload) == 0 {
		return nil
	}
	payload, err := payloadForStep(env.Step)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return fmt.Errorf("step %v payload: %w", float64(env.Step), err)
	}
	r.Payload = deref(payload)
	return nil
}

func payloadForStep(step Step) (StepPayload, error) {
	switch step {
	case StepFetchApps:
		return &AppsPayload{}, nil
	case StepSelectApp:
		return &AppSelectionPayload{}, nil
	case StepAuthGate:
		return &AuthPayload{}, nil
	case StepFetchActions:
		return &ActionsPayload{}, nil
	case StepSelectAction:
		return &ActionSelectionPayload{}, nil
	case StepFetchSchema:
		return &SchemaPayload{}, nil
	case StepNormalizeParams:
		return &ParamsPayload{}, nil
	case StepExecute:
		return &ExecutionPayload{}, nil
	}
	return nil, fmt.Errorf("unknown step %v", float64(step))
}

func deref(p StepPayload) StepPayload {
	switch v := p.(type) {
	case *AppsPayload:
		return *v
	case *AppSelectionPayload:
		return *v
	case *AuthPayload:
		return *v
	case *ActionsPayload:
		return *v
	case *ActionSelectionPayload:
		return *v
	case *SchemaPayload:
		return *v
	case *ParamsPayload:
		return *v
	case *ExecutionPayload:
		return *v
	}
	return p
}

// SelectedApp returns the application chosen at step 2, if recorded.
func (s *WorkflowSession) SelectedApp() (capability.Application, bool) {
	if r := s.Result(StepSelectApp); r != nil {
		if p, ok := r.Payload.(AppSelectionPayload); ok {
			return p.App, true
		}
	}
	return capability.Application{}, false
}

// SelectedAction returns the action chosen at step 4, if recorded.
func (s *WorkflowSession) SelectedAction() (capability.Action, bool) {
	if r := s.Result(StepSelectAction); r != nil {
		if p, ok := r.Payload.(ActionSelectionPayload); ok {
			return p.Action, true
		}
	}
	return capability.Action{}, false
}

// Schema returns the action schema fetched at step 5, if recorded.
func (s *WorkflowSession) Schema() (*capability.ActionSchema, bool) {
	if r := s.Result(StepFetchSchema); r != nil {
		if p, ok := r.Payload.(SchemaPayload); ok {
			return &p.Schema, true
		}
	}
	return nil, false
}
