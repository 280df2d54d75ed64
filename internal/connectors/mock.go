package connectors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// MockExecutor simulates an offline local model: a bounded random latency and a
// deterministic echo. Capability "unstable" always fails transiently.
type MockExecutor struct {
	Name       string
	MinLatency time.Duration
	MaxLatency time.Duration
}

func (m *MockExecutor) Execute(ctx context.Context, prompt string, c Constraints) (Result, error) {
	latency := m.MinLatency
	if spread := m.MaxLatency - m.MinLatency; spread > 0 {
		latency += time.Duration(rand.Int64N(int64(spread)))
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	if c.Capability == "unstable" {
		return Result{}, &TransientError{Cause: fmt.Errorf("%s: simulated internal error", m.Name)}
	}

	units := float64(len(prompt)/4 + 1)
	if c.MaxUnits > 0 && units > c.MaxUnits {
		units = c.MaxUnits
	}
	return Result{
		Output: fmt.Sprintf("[%s] %s result for %d-character prompt", m.Name, orDefault(c.Capability, "generic"), len(prompt)),
		Units:  units,
	}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
