package agent

// DefaultAgents returns the built-in agent configurations.
func DefaultAgents() []*Agent {
	return []*Agent{
		{
			ID:          "assistant",
			Name:        "General Assistant",
			Description: "General-purpose conversational agent streamed over SSE.",
			Routing:     RoutingDetached,
			Model:       "gpt-4o",
			MaxSteps:    10,
			Enabled:     true,
		},
		{
			ID:          "quick-answer",
			Name:        "Quick Answer",
			Description: "Low-latency single-shot agent that answers inline without tool use.",
			Routing:     RoutingInline,
			Model:       "gpt-4o-mini",
			MaxSteps:    1,
			Enabled:     true,
		},
	}
}
