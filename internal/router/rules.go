package router

import (
	_ "embed"
	"fmt"
	"math"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/hpungsan/carchat/internal/capability"
)

//go:embed rules.toml
var defaultRules []byte

// Boost adds Weight to a category when Phrase appears in the question.
type Boost struct {
	Phrase string  `koanf:"phrase"`
	Weight float64 `koanf:"weight"`
}

// Category is the trigger set of one capability.
type Category struct {
	Triggers []string `koanf:"triggers"`
	Boosts   []Boost  `koanf:"boosts"`
}

// Rules is the declarative routing configuration.
type Rules struct {
	Amplification      float64             `koanf:"amplification"`
	Threshold          float64             `koanf:"threshold"`
	FallbackConfidence float64             `koanf:"fallback_confidence"`
	Categories         map[string]Category `koanf:"categories"`
}

// DefaultRules parses the embedded rule set.
func DefaultRules() (*Rules, error) {
	m, err := toml.Parser().Unmarshal(defaultRules)
	if err != nil {
		return nil, fmt.Errorf("parse embedded rules: %w", err)
	}
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(m, ""), nil); err != nil {
		return nil, fmt.Errorf("load embedded rules: %w", err)
	}
	return unmarshalRules(k)
}

// LoadRules reads a rules file. An empty path returns the embedded rules.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules()
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("load rules %s: %w", path, err)
	}
	return unmarshalRules(k)
}

func unmarshalRules(k *koanf.Koanf) (*Rules, error) {
	var r Rules
	if err := k.Unmarshal("", &r); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return &r, nil
}

// compiled is the validated, normalized form used at match time.
type compiled struct {
	amplification      float64
	threshold          float64
	fallbackConfidence float64
	categories         []compiledCategory // indexed by capability priority
}

type compiledCategory struct {
	triggers []string
	boosts   []Boost
}

func (r *Rules) compile() (*compiled, error) {
	if r.Amplification <= 0 {
		return nil, fmt.Errorf("amplification must be positive")
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be within [0, 1]")
	}
	if r.FallbackConfidence < 0 || r.FallbackConfidence > 1 || math.IsNaN(r.FallbackConfidence) {
		return nil, fmt.Errorf("fallback_confidence must be within [0, 1]")
	}

	c := &compiled{
		amplification:      r.Amplification,
		threshold:          r.Threshold,
		fallbackConfidence: r.FallbackConfidence,
		categories:         make([]compiledCategory, len(capability.Specialists)),
	}

	byCap := make(map[capability.Capability]Category, len(r.Categories))
	for name, cat := range r.Categories {
		capID, err := capability.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("rules category %q: %w", name, err)
		}
		if capID == capability.Fallback {
			return nil, fmt.Errorf("rules category %q: fallback takes no triggers", name)
		}
		if _, dup := byCap[capID]; dup {
			return nil, fmt.Errorf("rules category %q declared twice", capID)
		}
		byCap[capID] = cat
	}

	for _, capID := range capability.Specialists {
		cat, ok := byCap[capID]
		if !ok {
			return nil, fmt.Errorf("rules missing category %q", capID)
		}

		seen := make(map[string]struct{}, len(cat.Triggers))
		var triggers []string
		for _, t := range cat.Triggers {
			t = Normalize(t)
			if t == "" {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			triggers = append(triggers, t)
		}
		if len(triggers) == 0 {
			return nil, fmt.Errorf("rules category %q has no triggers", capID)
		}

		var boosts []Boost
		for _, b := range cat.Boosts {
			phrase := Normalize(b.Phrase)
			if phrase == "" || b.Weight <= 0 {
				return nil, fmt.Errorf("rules category %q: boost needs a phrase and a positive weight", capID)
			}
			boosts = append(boosts, Boost{Phrase: phrase, Weight: b.Weight})
		}

		c.categories[capID.Priority()] = compiledCategory{triggers: triggers, boosts: boosts}
	}
	return c, nil
}
