package agent

import (
	"fmt"
	"sort"
	"sync"
)

// TriggerOrigin tags where a query entered the system. It lands in
// execution metadata for audit and filtering.
type TriggerOrigin string

const (
	TriggerAPI      TriggerOrigin = "api"
	TriggerSchedule TriggerOrigin = "schedule"
	TriggerWorkflow TriggerOrigin = "workflow"
)

var triggerOrigins = struct {
	mu    sync.RWMutex
	known map[TriggerOrigin]string
}{
	known: map[TriggerOrigin]string{
		TriggerAPI:      "interactive API request",
		TriggerSchedule: "scheduled run",
		TriggerWorkflow: "workflow step",
	},
}

// RegisterTriggerOrigin adds a custom origin tag so integrations can mark
// executions they create. Re-registering a known origin is an error.
func RegisterTriggerOrigin(origin TriggerOrigin, description string) error {
	if origin == "" {
		return fmt.Errorf("trigger origin is empty")
	}
	triggerOrigins.mu.Lock()
	defer triggerOrigins.mu.Unlock()

	if _, exists := triggerOrigins.known[origin]; exists {
		return fmt.Errorf("trigger origin %q already registered", origin)
	}
	triggerOrigins.known[origin] = description
	return nil
}

// KnownTriggerOrigin reports whether origin has been registered.
func KnownTriggerOrigin(origin TriggerOrigin) bool {
	triggerOrigins.mu.RLock()
	defer triggerOrigins.mu.RUnlock()

	_, exists := triggerOrigins.known[origin]
	return exists
}

// TriggerOrigins returns the registered origin tags in sorted order.
func TriggerOrigins() []TriggerOrigin {
	triggerOrigins.mu.RLock()
	defer triggerOrigins.mu.RUnlock()

	result := make([]TriggerOrigin, 0, len(triggerOrigins.known))
	for origin := range triggerOrigins.known {
		result = append(result, origin)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
