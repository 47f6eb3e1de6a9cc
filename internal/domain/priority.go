package domain

import "strings"

type priorityTier struct {
	priority Priority
	keywords []string
}

// Highest tier first. Order decides precedence, not label order.
var priorityTiers = []priorityTier{
	{PriorityUrgent, []string{"urgent", "critical"}},
	{PriorityHigh, []string{"high"}},
	{PriorityMedium, []string{"medium"}},
	{PriorityLow, []string{"low"}},
}

// InferPriority maps a card's label names to a priority. Each tier is checked
// against every label (case-insensitive substring) before moving to the next,
// so {"Low Priority", "URGENT fix"} yields urgent.
func InferPriority(labelNames []string) Priority {
	lowered := make([]string, len(labelNames))
	for i, name := range labelNames {
		lowered[i] = strings.ToLower(name)
	}

	for _, tier := range priorityTiers {
		for _, name := range lowered {
			for _, kw := range tier.keywords {
				if strings.Contains(name, kw) {
					return tier.priority
				}
			}
		}
	}
	return PriorityNone
}
