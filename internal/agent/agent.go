// Package agent defines agent configurations and the registry that manages them.
package agent

import "fmt"

// Routing selects how a query against an agent is executed.
type Routing string

const (
	// RoutingInline runs the worker synchronously inside the request goroutine.
	RoutingInline Routing = "inline"
	// RoutingDetached dispatches the worker on its own goroutine and lets the
	// stream handler observe progress through the relay.
	RoutingDetached Routing = "detached"
)

// Valid reports whether r is a known routing mode.
func (r Routing) Valid() bool {
	return r == RoutingInline || r == RoutingDetached
}

// Agent holds the configuration for a single agent.
type Agent struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Routing     Routing `json:"routing"`
	Model       string  `json:"model,omitempty"`
	MaxSteps    int     `json:"max_steps"`
	Enabled     bool    `json:"enabled"`
}

// ValidateAgent checks that an agent configuration is usable.
func ValidateAgent(a *Agent) error {
	if a == nil {
		return fmt.Errorf("agent config is nil")
	}
	if a.ID == "" {
		return fmt.Errorf("agent ID is required")
	}
	if a.Name == "" {
		return fmt.Errorf("agent %q: name is required", a.ID)
	}
	if !a.Routing.Valid() {
		return fmt.Errorf("agent %q: unknown routing mode %q", a.ID, a.Routing)
	}
	if a.MaxSteps < 0 {
		return fmt.Errorf("agent %q: max_steps must not be negative", a.ID)
	}
	return nil
}
