// Package verifier defines the port for the test/build/lint runner that
// judges implementation steps.
package verifier

import (
	"context"

	"github.com/Strob0t/crewflow/internal/domain/settings"
)

// Result is the outcome of one verification run.
type Result struct {
	Passed bool `json:"passed"`
	// Signature identifies the failure. Equal signatures mean the same error
	// repeated; it is empty when Passed.
	Signature string `json:"signature,omitempty"`
	Output    string `json:"output,omitempty"`
}

// Verifier is the port interface for verifying the working tree.
type Verifier interface {
	// Verify runs the checks that cfg.Method selects, using cfg.Commands.
	// Callers pass the task's settings snapshot. A returned error means the
	// checks could not be run at all.
	Verify(ctx context.Context, cfg settings.Verification) (*Result, error)
}
