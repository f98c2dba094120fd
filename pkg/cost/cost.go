// Package cost maps token and compute usage to a dollar cost breakdown.
// All functions are pure and total: malformed input is clamped, never
// propagated, and no table lookup can fail.
package cost

// Usage is the raw consumption reported for one run.
type Usage struct {
	Model          string  `json:"model,omitempty"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	CachedTokens   int64   `json:"cached_tokens"`
	ComputeSeconds float64 `json:"compute_seconds"`
}

// Breakdown is the priced result, in USD.
type Breakdown struct {
	Input   float64 `json:"input"`
	Output  float64 `json:"output"`
	Cached  float64 `json:"cached"`
	Compute float64 `json:"compute"`
	Total   float64 `json:"total"`
}

// Pricing holds per-model rates. Token rates are USD per million tokens;
// cached reads are billed at CachedRate (typically a steep discount on
// InputRate).
type Pricing struct {
	InputRate  float64
	OutputRate float64
	CachedRate float64
}

// Table maps model identifiers to pricing. The entry under DefaultModel
// is the fallback for unknown models.
type Table struct {
	Models  map[string]Pricing
	Default Pricing

	// ComputeRate is USD per second of external sandbox compute,
	// independent of the model.
	ComputeRate float64
}

// DefaultTable reflects current published rates. Callers that need exact
// billing load their own table from configuration.
func DefaultTable() Table {
	return Table{
		Models: map[string]Pricing{
			"claude-sonnet-4-5": {InputRate: 3.0, OutputRate: 15.0, CachedRate: 0.30},
			"claude-haiku-4-5":  {InputRate: 1.0, OutputRate: 5.0, CachedRate: 0.10},
			"claude-opus-4-1":   {InputRate: 15.0, OutputRate: 75.0, CachedRate: 1.50},
		},
		Default:     Pricing{InputRate: 3.0, OutputRate: 15.0, CachedRate: 0.30},
		ComputeRate: 0.000028, // ~$0.10/hour of sandbox time
	}
}

const perMillion = 1_000_000

// Compute prices the given usage against the table. Negative counts are
// treated as zero. The result's Total is always the sum of the parts and
// never negative.
func (t Table) Compute(u Usage) Breakdown {
	p, ok := t.Models[u.Model]
	if !ok {
		p = t.Default
	}

	in := clamp(u.InputTokens)
	out := clamp(u.OutputTokens)
	cached := clamp(u.CachedTokens)
	seconds := u.ComputeSeconds
	if seconds < 0 {
		seconds = 0
	}

	b := Breakdown{
		Input:   float64(in) * p.InputRate / perMillion,
		Output:  float64(out) * p.OutputRate / perMillion,
		Cached:  float64(cached) * p.CachedRate / perMillion,
		Compute: seconds * t.ComputeRate,
	}
	b.Total = b.Input + b.Output + b.Cached + b.Compute
	return b
}

func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
