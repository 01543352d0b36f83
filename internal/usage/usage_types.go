package usage

import "time"

// ContextHealth classifies context-window occupancy.
type ContextHealth string

const (
	HealthHealthy   ContextHealth = "healthy"
	HealthWarning   ContextHealth = "warning"
	HealthCritical  ContextHealth = "critical"
	HealthEmergency ContextHealth = "emergency"
)

// Occupancy ratio thresholds for the health classification.
const (
	warningThreshold   = 0.70
	criticalThreshold  = 0.85
	emergencyThreshold = 0.95
)

// DefaultContextWindow is assumed until the backend reports a
// model-specific window.
const DefaultContextWindow int64 = 200_000

// TokenCounts holds input/output sums for the per-model breakdown.
type TokenCounts struct {
	Input  int64   `json:"input"`
	Output int64   `json:"output"`
	Total  int64   `json:"total"`
	Cost   float64 `json:"cost_est_usd,omitempty"`
}

func (tc *TokenCounts) Add(input, output int64, cost float64) {
	tc.Input += input
	tc.Output += output
	tc.Total += input + output
	tc.Cost += cost
}

// Stats is the cumulative per-attempt snapshot delivered to listeners.
type Stats struct {
	AttemptID string `json:"attempt_id"`

	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	TotalTokens         int64   `json:"total_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	Turns               int     `json:"turns"`

	StartedAt time.Time     `json:"started_at"`
	WallTime  time.Duration `json:"wall_time"`

	// ContextUsed is the full context-window footprint: input + cache
	// read + cache creation + output tokens, not just "new" tokens.
	ContextUsed    int64         `json:"context_used"`
	ContextWindow  int64         `json:"context_window"`
	ContextPercent float64       `json:"context_percent"`
	Health         ContextHealth `json:"health"`

	ByModel map[string]TokenCounts `json:"by_model,omitempty"`
}

func classify(ratio float64) ContextHealth {
	switch {
	case ratio >= emergencyThreshold:
		return HealthEmergency
	case ratio >= criticalThreshold:
		return HealthCritical
	case ratio >= warningThreshold:
		return HealthWarning
	default:
		return HealthHealthy
	}
}
