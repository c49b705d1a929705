// Package correlation implements the incident correlation engine: the scoring
// strategies, the group manager that clusters correlated incidents, and the
// background maintenance scheduler.
package correlation

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Studio-Elephant-and-Rope/muster/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/muster/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/muster/internal/fingerprint"
)

// Combined-score weights per strategy. Weights are renormalised over the
// strategies that actually produced a signal for a given pair, so a pair with
// no topology data is not penalised for it.
const (
	weightTemporal    = 0.3
	weightPattern     = 0.3
	weightSource      = 0.2
	weightFingerprint = 0.2
	weightTopology    = 0.2

	// multiSignalBoost rewards agreement between independent strategies.
	multiSignalBoost = 1.2

	// Pattern-score composition.
	titleWeight        = 0.6
	descriptionWeight  = 0.3
	severityMatchBonus = 0.05
	categoryMatchBonus = 0.05

	// levenshteinBand is the half-width of the score band around the
	// pattern prefilter threshold inside which the cheaper Jaccard verdict
	// is double-checked with an edit-distance comparison.
	levenshteinBand = 0.15
)

// scorer evaluates one correlation signal for a pair of incidents.
//
// The boolean result distinguishes "no signal" from "signal of strength zero":
// a pair outside the temporal window has no temporal signal at all and must
// not drag the combined score down.
type scorer interface {
	strategy() domain.Strategy
	score(ctx context.Context, a, b *domain.Incident) (float64, string, bool, error)
}

// temporalScorer scores pairs by creation-time proximity with exponential
// decay. The decay rate is derived from the configured boundary score so that
// a pair exactly one window apart scores exactly that boundary value.
type temporalScorer struct {
	window time.Duration
	lambda float64 // decay rate per second
}

func newTemporalScorer(cfg Config) *temporalScorer {
	return &temporalScorer{
		window: cfg.TemporalWindow,
		lambda: -math.Log(cfg.TemporalBoundaryScore) / cfg.TemporalWindow.Seconds(),
	}
}

func (s *temporalScorer) strategy() domain.Strategy { return domain.StrategyTemporal }

func (s *temporalScorer) score(_ context.Context, a, b *domain.Incident) (float64, string, bool, error) {
	gap := a.CreatedAt.Sub(b.CreatedAt)
	if gap < 0 {
		gap = -gap
	}
	if gap > s.window {
		return 0, "", false, nil
	}

	score := math.Exp(-s.lambda * gap.Seconds())
	reason := fmt.Sprintf("created %s apart", gap.Round(time.Second))
	return score, reason, true, nil
}

// patternScorer scores pairs by text similarity of titles and descriptions,
// with small bonuses for matching severity and category.
//
// Jaccard word-set similarity is the primary measure; the pair is out of
// scope when both title and description similarity fall below the prefilter
// threshold. A title verdict that lands inside a narrow band around the
// threshold gets a second opinion from a normalised Levenshtein comparison:
// the edit-distance result decides whether the title counts as similar, but
// never replaces the Jaccard-based score.
type patternScorer struct {
	threshold float64
}

func newPatternScorer(cfg Config) *patternScorer {
	return &patternScorer{threshold: cfg.PatternSimilarityThreshold}
}

func (s *patternScorer) strategy() domain.Strategy { return domain.StrategyPattern }

func (s *patternScorer) score(_ context.Context, a, b *domain.Incident) (float64, string, bool, error) {
	titleA := fingerprint.NormalizeTitle(a.Title)
	titleB := fingerprint.NormalizeTitle(b.Title)
	titleSim := jaccardSimilarity(titleA, titleB)

	descA := fingerprint.NormalizeTitle(a.Description)
	descB := fingerprint.NormalizeTitle(b.Description)
	descSim := jaccardSimilarity(descA, descB)

	titlePass := titleSim >= s.threshold
	if math.Abs(titleSim-s.threshold) <= levenshteinBand {
		titlePass = levenshteinSimilarity(titleA, titleB) >= s.threshold
	}
	// Absent descriptions count as identical for scoring, but carry no
	// evidence of their own: the prefilter only consults them when at least
	// one incident actually has description text.
	descPass := (descA != "" || descB != "") && descSim >= s.threshold
	if !titlePass && !descPass {
		return 0, "", false, nil
	}

	score := titleWeight*titleSim + descriptionWeight*descSim
	if a.Severity == b.Severity {
		score += severityMatchBonus
	}
	if a.Category != "" && a.Category == b.Category {
		score += categoryMatchBonus
	}
	score = math.Min(score, 1.0)

	reason := fmt.Sprintf("titles %.0f%% similar", titleSim*100)
	return score, reason, true, nil
}

// sourceScorer scores pairs from the same monitoring source, decaying with
// time on its own clock independent of the temporal window. Differing sources
// carry no signal.
type sourceScorer struct {
	weight float64
	decay  time.Duration
}

func newSourceScorer(cfg Config) *sourceScorer {
	return &sourceScorer{weight: cfg.SourceMatchWeight, decay: cfg.SourceDecay}
}

func (s *sourceScorer) strategy() domain.Strategy { return domain.StrategySource }

func (s *sourceScorer) score(_ context.Context, a, b *domain.Incident) (float64, string, bool, error) {
	if a.Source == "" || a.Source != b.Source {
		return 0, "", false, nil
	}

	gap := a.CreatedAt.Sub(b.CreatedAt)
	if gap < 0 {
		gap = -gap
	}

	score := s.weight * math.Exp(-gap.Seconds()/s.decay.Seconds())
	reason := fmt.Sprintf("same source %s", a.Source)
	return score, reason, true, nil
}

// fingerprintScorer scores pairs whose content fingerprints match exactly.
// A match is the strongest possible signal; anything else is no signal.
type fingerprintScorer struct{}

func (s *fingerprintScorer) strategy() domain.Strategy { return domain.StrategyFingerprint }

func (s *fingerprintScorer) score(_ context.Context, a, b *domain.Incident) (float64, string, bool, error) {
	fpA := a.Fingerprint
	if fpA == "" {
		fpA = fingerprint.Generate(a)
	}
	fpB := b.Fingerprint
	if fpB == "" {
		fpB = fingerprint.Generate(b)
	}

	if fpA != fpB {
		return 0, "", false, nil
	}
	return 1.0, "identical content fingerprint", true, nil
}

// topologyScorer scores pairs by dependency-graph distance between their
// affected resources, decaying per hop. Requires a topology provider; the
// engine never constructs this scorer without one.
type topologyScorer struct {
	provider ports.TopologyProvider
	maxHops  int
	decay    float64
}

func newTopologyScorer(cfg Config, provider ports.TopologyProvider) *topologyScorer {
	return &topologyScorer{
		provider: provider,
		maxHops:  cfg.TopologyMaxHops,
		decay:    cfg.TopologyDecay,
	}
}

func (s *topologyScorer) strategy() domain.Strategy { return domain.StrategyTopology }

func (s *topologyScorer) score(ctx context.Context, a, b *domain.Incident) (float64, string, bool, error) {
	keyA := resourceKey(a.Resource)
	keyB := resourceKey(b.Resource)
	if keyA == "" || keyB == "" {
		return 0, "", false, nil
	}

	hops, reachable, err := s.provider.Hops(ctx, keyA, keyB)
	if err != nil {
		return 0, "", false, fmt.Errorf("topology lookup failed: %w", err)
	}
	if !reachable || hops > s.maxHops {
		return 0, "", false, nil
	}

	score := math.Pow(s.decay, float64(hops))
	reason := fmt.Sprintf("%d hops apart in topology", hops)
	return score, reason, true, nil
}

// resourceKey builds the topology lookup key for a resource.
func resourceKey(r domain.Resource) string {
	if r.Type == "" && r.ID == "" {
		return ""
	}
	return r.Type + ":" + r.ID
}

// jaccardSimilarity computes word-set Jaccard similarity of two normalised
// strings. Two empty strings are identical and score 1.0; one empty string
// against a non-empty one scores 0.
func jaccardSimilarity(a, b string) float64 {
	wordsA := strings.Fields(a)
	wordsB := strings.Fields(b)
	if len(wordsA) == 0 && len(wordsB) == 0 {
		return 1.0
	}
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(wordsA))
	for _, w := range wordsA {
		setA[w] = struct{}{}
	}
	setB := make(map[string]struct{}, len(wordsB))
	for _, w := range wordsB {
		setB[w] = struct{}{}
	}

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// levenshteinSimilarity computes a normalised edit-distance similarity in
// [0,1], where 1 means identical strings.
func levenshteinSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return 1.0 - float64(levenshteinDistance(a, b))/float64(maxLen)
}

// levenshteinDistance computes the edit distance between two strings using a
// single-row dynamic programming table.
func levenshteinDistance(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	row := make([]int, len(rb)+1)
	for j := range row {
		row[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		prev := row[0]
		row[0] = i
		for j := 1; j <= len(rb); j++ {
			cur := row[j]
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			row[j] = minInt(row[j]+1, minInt(row[j-1]+1, prev+cost))
			prev = cur
		}
	}
	return row[len(rb)]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// strategyWeight returns the combined-score weight for a strategy.
func strategyWeight(s domain.Strategy) float64 {
	switch s {
	case domain.StrategyTemporal:
		return weightTemporal
	case domain.StrategyPattern:
		return weightPattern
	case domain.StrategySource:
		return weightSource
	case domain.StrategyFingerprint:
		return weightFingerprint
	case domain.StrategyTopology:
		return weightTopology
	default:
		return 0
	}
}

// signal is one strategy's contribution to a pair's combined score.
type signal struct {
	strategy domain.Strategy
	score    float64
	reason   string
}

// combineSignals folds per-strategy signals into a single score.
//
// Weights are renormalised over the present signals, agreement between two or
// more strategies earns a multiplicative boost, and the result is clamped to
// [0,1]. No signals means no combined score.
func combineSignals(signals []signal) (float64, bool) {
	if len(signals) == 0 {
		return 0, false
	}

	weightSum := 0.0
	weighted := 0.0
	for _, sig := range signals {
		w := strategyWeight(sig.strategy)
		weightSum += w
		weighted += w * sig.score
	}
	if weightSum == 0 {
		return 0, false
	}

	combined := weighted / weightSum
	if len(signals) >= 2 {
		combined *= multiSignalBoost
	}
	return math.Min(combined, 1.0), true
}
