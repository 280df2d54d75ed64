// Package connectors holds the backend executors: the opaque
// execute(prompt, constraints, timeout) capability the router dispatches to.
package connectors

import (
	"context"
	"time"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

// Constraints are passed through to the backend unchanged.
type Constraints struct {
	TaskID     string
	Capability string
	Level      domain.SensitivityLevel
	MaxUnits   float64
	Timeout    time.Duration
}

// Result is what a backend produced. Units is the billed work (tokens, requests); the
// router multiplies it by the backend's cost per unit.
type Result struct {
	Output string
	Units  float64
}

type Executor interface {
	Execute(ctx context.Context, prompt string, c Constraints) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, prompt string, c Constraints) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, prompt string, c Constraints) (Result, error) {
	return f(ctx, prompt, c)
}
