// Package finding defines the security findings produced by analysis.
//
// Findings come from two places: deterministic pattern rules and LLM
// stages. Both converge on the same shape so the aggregator can score,
// dedupe, and report them uniformly. Confidence expresses how sure the
// producer is that the finding is real, not how bad the outcome is;
// severity carries the impact.
package finding

import "strings"

// Category groups findings by the class of threat they describe.
type Category string

const (
	CategoryExploit       Category = "exploit"
	CategoryRugPull       Category = "rug_pull"
	CategoryExcessiveCost Category = "excessive_cost"
	CategoryPermission    Category = "permission"
)

// IsValid reports whether c is a recognized category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryExploit, CategoryRugPull, CategoryExcessiveCost, CategoryPermission:
		return true
	}
	return false
}

// Severity expresses the impact of a finding if it turns out to be real.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid reports whether s is a recognized severity level.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Weight returns the scoring weight used by the risk aggregator.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 100
	case SeverityHigh:
		return 60
	case SeverityMedium:
		return 30
	case SeverityLow:
		return 10
	}
	return 0
}

// Rank orders severities for comparison. Higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

func (s Severity) String() string { return string(s) }

// NormalizeSeverity maps free-form severity text (typically from an LLM)
// onto a known level. Unrecognized input defaults to medium rather than
// dropping the finding.
func NormalizeSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "crit", "severe":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium", "moderate", "med":
		return SeverityMedium
	case "low", "minor", "info", "informational":
		return SeverityLow
	}
	return SeverityMedium
}

// NormalizeCategory maps free-form category text onto a known category.
// Unrecognized input defaults to exploit, the broadest bucket.
func NormalizeCategory(raw string) Category {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")

	switch normalized {
	case "exploit", "vulnerability":
		return CategoryExploit
	case "rug_pull", "rugpull", "scam":
		return CategoryRugPull
	case "excessive_cost", "cost", "gas":
		return CategoryExcessiveCost
	case "permission", "privilege", "access_control":
		return CategoryPermission
	}
	return CategoryExploit
}

// Provenance records which part of the system produced a finding.
type Provenance string

const (
	ProvenancePattern Provenance = "pattern"
	ProvenanceLLM     Provenance = "llm"
)

// Finding is a single security concern raised against a transaction.
type Finding struct {
	ID             string            `json:"id,omitempty"`
	Category       Category          `json:"category"`
	Severity       Severity          `json:"severity"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Recommendation string            `json:"recommendation,omitempty"`
	Confidence     float64           `json:"confidence"`
	Provenance     Provenance        `json:"provenance"`
	Evidence       map[string]string `json:"evidence,omitempty"`
}

// DedupeKey identifies findings that describe the same concern. Two
// findings with equal keys are merged by the aggregator, keeping the
// higher-confidence one.
func (f *Finding) DedupeKey() string {
	return string(f.Category) + "|" + normalizeTitle(f.Title)
}

// normalizeTitle lowercases and collapses runs of whitespace so that
// cosmetic differences in LLM output don't defeat deduplication.
func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// ClampConfidence forces confidence into [0,1]. Producers occasionally
// hand back out-of-range values, LLMs especially.
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
