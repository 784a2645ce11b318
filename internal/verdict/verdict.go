// Package verdict turns a set of findings into a single risk score and
// rating. Scoring is deterministic: the same findings always produce the
// same verdict, regardless of which stages produced them or in what
// order they arrived.
package verdict

import (
	"sort"

	"github.com/movesentry/movesentry/internal/finding"
)

// Rating is the final risk classification shown to callers.
type Rating string

const (
	RatingSafe     Rating = "safe"
	RatingLow      Rating = "low"
	RatingMedium   Rating = "medium"
	RatingHigh     Rating = "high"
	RatingCritical Rating = "critical"
)

// Rating score thresholds. Any critical-severity finding forces a
// critical rating regardless of score.
const (
	criticalThreshold = 80
	highThreshold     = 60
	mediumThreshold   = 30
)

// Score aggregates deduplicated findings into a 0-100 risk score and a
// rating. Each finding contributes weight(severity)*confidence; the
// score is the larger of the worst single contribution and the mean
// contribution, so one severe finding cannot be diluted by a crowd of
// trivia, and a pile of medium findings still adds up.
func Score(findings []finding.Finding) (float64, Rating) {
	if len(findings) == 0 {
		return 0, RatingSafe
	}

	var (
		sum         float64
		highest     float64
		anyCritical bool
	)
	for i := range findings {
		f := &findings[i]
		contribution := f.Severity.Weight() * finding.ClampConfidence(f.Confidence)
		sum += contribution
		if contribution > highest {
			highest = contribution
		}
		if f.Severity == finding.SeverityCritical {
			anyCritical = true
		}
	}

	score := highest
	if mean := sum / float64(len(findings)); mean > score {
		score = mean
	}
	if score > 100 {
		score = 100
	}

	return score, rate(score, anyCritical)
}

func rate(score float64, anyCritical bool) Rating {
	switch {
	case anyCritical || score >= criticalThreshold:
		return RatingCritical
	case score >= highThreshold:
		return RatingHigh
	case score >= mediumThreshold:
		return RatingMedium
	case score > 0:
		return RatingLow
	}
	return RatingSafe
}

// Rank orders ratings from safe (0) to critical (4) for threshold
// comparisons. Unknown ratings rank below safe.
func Rank(r Rating) int {
	switch r {
	case RatingSafe:
		return 0
	case RatingLow:
		return 1
	case RatingMedium:
		return 2
	case RatingHigh:
		return 3
	case RatingCritical:
		return 4
	}
	return -1
}

// Dedupe merges findings that describe the same concern, keyed by
// (category, normalized title). When duplicates collide the higher
// confidence one survives; evidence maps are merged so nothing learned
// about the concern is lost. Output order is deterministic: severity
// rank descending, then confidence descending, then title.
func Dedupe(findings []finding.Finding) []finding.Finding {
	if len(findings) == 0 {
		return nil
	}

	byKey := make(map[string]finding.Finding, len(findings))
	for i := range findings {
		f := findings[i]
		f.Confidence = finding.ClampConfidence(f.Confidence)
		key := f.DedupeKey()

		existing, ok := byKey[key]
		if !ok {
			byKey[key] = f
			continue
		}
		winner, loser := existing, f
		if f.Confidence > existing.Confidence {
			winner, loser = f, existing
		}
		winner.Evidence = mergeEvidence(winner.Evidence, loser.Evidence)
		byKey[key] = winner
	}

	out := make([]finding.Finding, 0, len(byKey))
	for _, f := range byKey {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Title < out[j].Title
	})
	return out
}

// mergeEvidence folds loser's evidence into winner's without
// overwriting keys the winner already has.
func mergeEvidence(winner, loser map[string]string) map[string]string {
	if len(loser) == 0 {
		return winner
	}
	if winner == nil {
		winner = make(map[string]string, len(loser))
	}
	for k, v := range loser {
		if _, ok := winner[k]; !ok {
			winner[k] = v
		}
	}
	return winner
}
