package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// TrustTier tells whether a backend may receive content outside the perimeter.
type TrustTier string

const (
	TierLocalOnly     TrustTier = "LOCAL_ONLY"     // On-prem / offline model
	TierRemoteAllowed TrustTier = "REMOTE_ALLOWED" // Remote provider, content leaves the perimeter
)

func ParseTier(s string) (TrustTier, error) {
	switch t := TrustTier(strings.ToUpper(strings.TrimSpace(s))); t {
	case TierLocalOnly, TierRemoteAllowed:
		return t, nil
	}
	return "", fmt.Errorf("unknown trust tier %q", s)
}

// Executor kinds understood by the connectors registry.
const (
	ExecutorGRPC = "grpc"
	ExecutorHTTP = "http"
	ExecutorMock = "mock"
)

// Backend is an execution backend declared in the rule table.
// Liveness is not stored here: it is derived from the router's circuit breaker.
type Backend struct {
	ID           string        `json:"id" yaml:"id"`
	Tier         TrustTier     `json:"tier" yaml:"tier"`
	CostPerUnit  float64       `json:"cost_per_unit" yaml:"cost_per_unit"`
	Capabilities []string      `json:"capabilities" yaml:"capabilities"`
	Disabled     bool          `json:"disabled,omitempty" yaml:"disabled"`
	BudgetCap    float64       `json:"budget_cap" yaml:"budget_cap"` // 0 means no per-backend cap
	Kind         string        `json:"kind" yaml:"kind"`
	Endpoint     string        `json:"endpoint,omitempty" yaml:"endpoint"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

func (b Backend) HasCapability(capability string) bool {
	if capability == "" {
		return true
	}
	return slices.Contains(b.Capabilities, capability)
}

// EstimateCost returns the cost of the given number of work units on this backend.
func (b Backend) EstimateCost(units float64) float64 {
	return b.CostPerUnit * units
}
