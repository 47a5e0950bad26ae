package router

import (
	"math"
	"sort"
	"strings"

	"github.com/hpungsan/carchat/internal/capability"
)

// Result is the routing decision for one question.
type Result struct {
	Capability capability.Capability `json:"capability"`
	Confidence float64               `json:"confidence"`
}

// Score is the confidence of one category, with the triggers that matched.
type Score struct {
	Capability capability.Capability `json:"capability"`
	Confidence float64               `json:"confidence"`
	Matches    []string              `json:"matches,omitempty"`
}

// Router is immutable after New and safe for concurrent use.
type Router struct {
	rules *compiled
}

// New validates and compiles rules into a Router.
func New(rules *Rules) (*Router, error) {
	c, err := rules.compile()
	if err != nil {
		return nil, err
	}
	return &Router{rules: c}, nil
}

// Default returns a Router over the embedded rules.
func Default() (*Router, error) {
	rules, err := DefaultRules()
	if err != nil {
		return nil, err
	}
	return New(rules)
}

// Load returns a Router over the rules file at path, or the embedded rules
// when path is empty.
func Load(path string) (*Router, error) {
	rules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	return New(rules)
}

// Route selects the best capability for question. When the best specialist
// scores below the threshold, Route returns the fallback capability with the
// configured fallback confidence.
func (r *Router) Route(question string) Result {
	scores := r.Scores(question)
	best := scores[0]
	if best.Confidence < r.rules.threshold {
		return Result{Capability: capability.Fallback, Confidence: r.rules.fallbackConfidence}
	}
	return Result{Capability: best.Capability, Confidence: best.Confidence}
}

// Scores returns every specialist's score, best first. Equal confidences
// keep capability priority order.
func (r *Router) Scores(question string) []Score {
	q := Normalize(question)
	scores := make([]Score, len(capability.Specialists))
	for i, capID := range capability.Specialists {
		scores[i] = r.score(capID, q)
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Confidence > scores[j].Confidence
	})
	return scores
}

// score computes min(matches/len(triggers) * amplification + boosts, 1).
func (r *Router) score(capID capability.Capability, q string) Score {
	cat := r.rules.categories[capID.Priority()]
	s := Score{Capability: capID}
	if q == "" {
		return s
	}

	for _, t := range cat.triggers {
		if strings.Contains(q, t) {
			s.Matches = append(s.Matches, t)
		}
	}

	conf := float64(len(s.Matches)) / float64(len(cat.triggers)) * r.rules.amplification
	for _, b := range cat.boosts {
		if strings.Contains(q, b.Phrase) {
			conf += b.Weight
		}
	}
	s.Confidence = math.Min(conf, 1.0)
	return s
}
