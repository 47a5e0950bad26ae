package enrich

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/hpungsan/carchat/internal/capability"
	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/router"
)

// Fact is a context entry inferred from a question, not yet persisted.
type Fact struct {
	Type       string
	Key        string
	Value      string
	Confidence float64
}

// Confidence assigned to each kind of inferred fact.
const (
	brandConfidence  = 0.8
	budgetConfidence = 0.7
	usageConfidence  = 0.6
)

// brandAliases maps normalized tokens to canonical brand names.
var brandAliases = map[string]string{
	"toyota":     "Toyota",
	"honda":      "Honda",
	"volkswagen": "Volkswagen",
	"vw":         "Volkswagen",
	"chevrolet":  "Chevrolet",
	"chevy":      "Chevrolet",
	"gm":         "Chevrolet",
	"fiat":       "Fiat",
	"ford":       "Ford",
	"hyundai":    "Hyundai",
	"renault":    "Renault",
	"nissan":     "Nissan",
	"jeep":       "Jeep",
	"bmw":        "BMW",
	"mercedes":   "Mercedes-Benz",
	"audi":       "Audi",
	"peugeot":    "Peugeot",
	"citroen":    "Citroën",
	"kia":        "Kia",
	"mitsubishi": "Mitsubishi",
	"byd":        "BYD",
	"chery":      "Chery",
	"volvo":      "Volvo",
}

// usageKeywords maps a usage profile to normalized phrases that signal it.
var usageKeywords = []struct {
	value    string
	keywords []string
}{
	{"family", []string{"familia", "criancas", "filhos", "cadeirinha"}},
	{"travel", []string{"viagem", "viajar", "estrada", "rodovia"}},
	{"city", []string{"urbano", "transito", "dia a dia", "estacionar"}},
	{"work", []string{"trabalho", "aplicativo", "uber", "entregas"}},
}

var amountPattern = regexp.MustCompile(`(?:r\$\s*\d[\d.,]*(?:\s*mil)?|\d[\d.,]*\s*(?:mil|k)\b)`)

// Extract infers context facts from a question and the route chosen for it.
// The fallback route yields no intent fact.
func Extract(question string, route router.Result) []Fact {
	q := router.Normalize(question)
	var facts []Fact

	seen := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		brand, ok := brandAliases[tok]
		if !ok {
			continue
		}
		if _, dup := seen[brand]; dup {
			continue
		}
		seen[brand] = struct{}{}
		facts = append(facts, Fact{
			Type: conversation.TypePreference, Key: conversation.KeyMentionedBrand,
			Value: brand, Confidence: brandConfidence,
		})
	}

	for _, match := range amountPattern.FindAllString(q, -1) {
		amount, ok := conversation.ParseAmount(strings.TrimRight(match, ".,"))
		bucket := conversation.PriceBucket(amount, ok)
		if bucket == conversation.BucketUnknown {
			continue
		}
		facts = append(facts, Fact{
			Type: conversation.TypeBudget, Key: conversation.KeyPriceRange,
			Value: bucket, Confidence: budgetConfidence,
		})
		break
	}

	for _, u := range usageKeywords {
		for _, kw := range u.keywords {
			if strings.Contains(q, kw) {
				facts = append(facts, Fact{
					Type: conversation.TypePreference, Key: conversation.KeyUsage,
					Value: u.value, Confidence: usageConfidence,
				})
				break
			}
		}
	}

	if route.Capability.Valid() && route.Capability != capability.Fallback {
		facts = append(facts, Fact{
			Type: conversation.TypeIntent, Key: conversation.KeyCapability,
			Value: route.Capability.String(), Confidence: route.Confidence,
		})
	}

	return facts
}
