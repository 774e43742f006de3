package domain

// UsageStats accumulates token and cost counters reported by agent result
// lines. The same shape serves per-tab, per-session, and lifetime rollups.
type UsageStats struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	TaskCount           int64   `json:"task_count"`
}

// Add folds a delta into the receiver.
func (u *UsageStats) Add(delta UsageStats) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.CacheReadTokens += delta.CacheReadTokens
	u.CacheCreationTokens += delta.CacheCreationTokens
	u.CostUSD += delta.CostUSD
	u.TaskCount += delta.TaskCount
}

// ContextTokens estimates the tokens occupying the agent's context window:
// everything the model last read plus what it wrote.
func (u UsageStats) ContextTokens() int64 {
	return u.InputTokens + u.CacheReadTokens + u.CacheCreationTokens + u.OutputTokens
}

// ContextPercent reports context window occupancy against the configured
// window size, clamped to 100.
func (u UsageStats) ContextPercent(windowTokens int64) float64 {
	if windowTokens <= 0 {
		return 0
	}
	pct := float64(u.ContextTokens()) / float64(windowTokens) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// IsZero reports whether no usage has been recorded.
func (u UsageStats) IsZero() bool {
	return u == UsageStats{}
}
