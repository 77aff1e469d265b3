// Package resolver picks the best catalog entry for a free-text query.
// Implementations must be deterministic for identical inputs, must never
// return an id absent from the candidate list, and must return
// ErrAmbiguous instead of guessing.
package resolver

import (
	"context"
	"errors"
)

// ErrAmbiguous signals that no candidate cleared the confidence threshold.
var ErrAmbiguous = errors.New("no confident match among candidates")

// Candidate is one selectable entry (an application or an action).
type Candidate struct {
	ID          string
	Name        string
	Description string
}

// Resolver selects the single best candidate for a query.
type Resolver interface {
	ChooseBest(ctx context.Context, query string, candidates []Candidate) (string, error)
}
