package capability

import "context"

// Application is one entry in the provider's app catalog.
type Application struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Action is one operation an application exposes.
type Action struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Parameter describes one field of an action's input schema.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// ActionSchema is the parameter schema for a single action.
type ActionSchema struct {
	AppID      string      `json:"app_id"`
	ActionID   string      `json:"action_id"`
	Parameters []Parameter `json:"parameters"`
}

// RequiredNames returns the names of all required parameters, in schema order.
func (s *ActionSchema) RequiredNames() []string {
	var names []string
	for _, p := range s.Parameters {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}

// AuthStatus reports whether a user is authenticated for an application.
// AuthURL is set when authentication is needed.
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	AuthURL       string `json:"auth_url,omitempty"`
}

// ExecutionResult is the outcome of executing an action.
type ExecutionResult struct {
	Successful bool           `json:"successful"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Provider is the external capability catalog and executor.
// All implementations must honor context deadlines; the engine treats
// these calls as its only suspension points.
type Provider interface {
	ListApplications(ctx context.Context, userID string) ([]Application, error)
	ListActions(ctx context.Context, appID, userID string) ([]Action, error)
	GetActionSchema(ctx context.Context, appID, actionID string) (*ActionSchema, error)
	GetAuthStatus(ctx context.Context, appID, userID string) (*AuthStatus, error)
	ExecuteAction(ctx context.Context, appID, actionID string, params map[string]string, userID string) (*ExecutionResult, error)
}
