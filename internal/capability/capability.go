package capability

import (
	"fmt"
	"strings"
)

// Capability identifies a specialist responder.
type Capability int

const (
	Technical Capability = iota + 1
	Financial
	Comparison
	Maintenance
	Valuation
	UsageFit
	Fallback
)

// Specialists lists every non-fallback capability in tie-break priority order.
var Specialists = []Capability{Technical, Financial, Comparison, Maintenance, Valuation, UsageFit}

// All lists every capability, specialists first.
func All() []Capability {
	all := make([]Capability, 0, len(Specialists)+1)
	all = append(all, Specialists...)
	return append(all, Fallback)
}

var names = map[Capability]string{
	Technical:   "technical",
	Financial:   "financial",
	Comparison:  "comparison",
	Maintenance: "maintenance",
	Valuation:   "valuation",
	UsageFit:    "usage-fit",
	Fallback:    "fallback",
}

// String returns the stable wire name (e.g. "usage-fit").
func (c Capability) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("capability(%d)", int(c))
}

// Valid reports whether c is one of the declared capabilities.
func (c Capability) Valid() bool {
	_, ok := names[c]
	return ok
}

// Priority is the tie-break rank; lower wins. Fallback ranks last.
func (c Capability) Priority() int {
	for i, s := range Specialists {
		if s == c {
			return i
		}
	}
	return len(Specialists)
}

// Parse maps a wire name back to a Capability.
// Underscores are accepted in place of hyphens ("usage_fit").
func Parse(s string) (Capability, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for c, n := range names {
		if n == norm {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown capability %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Capability) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid capability %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Capability) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Info is human-readable metadata for introspection.
type Info struct {
	Capability Capability `json:"capability"`
	Title      string     `json:"title"`
	Summary    string     `json:"summary"`
	Examples   []string   `json:"examples"`
}

var catalog = map[Capability]Info{
	Technical: {
		Title:    "Especialista Técnico",
		Summary:  "Motor, potência, consumo, câmbio e ficha técnica.",
		Examples: []string{"Qual a potência do motor?", "Qual o consumo na estrada?"},
	},
	Financial: {
		Title:    "Consultor Financeiro",
		Summary:  "Financiamento, parcelas, entrada e juros.",
		Examples: []string{"Como funciona o financiamento?", "Qual o valor da parcela com entrada de 20%?"},
	},
	Comparison: {
		Title:    "Comparador",
		Summary:  "Comparações com concorrentes e alternativas.",
		Examples: []string{"Qual a diferença para o concorrente?", "É melhor que o Corolla?"},
	},
	Maintenance: {
		Title:    "Especialista em Manutenção",
		Summary:  "Revisões, garantia, peças e custos de manutenção.",
		Examples: []string{"Quando é a próxima revisão?", "A garantia ainda vale?"},
	},
	Valuation: {
		Title:    "Avaliador",
		Summary:  "Preço, tabela FIPE, revenda e depreciação.",
		Examples: []string{"Quanto vale pela FIPE?", "O preço está bom?"},
	},
	UsageFit: {
		Title:    "Consultor de Uso",
		Summary:  "Adequação ao uso: família, viagem, trabalho.",
		Examples: []string{"É adequado para família com crianças?", "Serve para viagem longa?"},
	},
	Fallback: {
		Title:    "Atendimento Geral",
		Summary:  "Perguntas gerais ou fora das especialidades.",
		Examples: []string{"Olá", "Vocês abrem no sábado?"},
	},
}

// Describe returns the metadata for c.
func Describe(c Capability) Info {
	info := catalog[c]
	info.Capability = c
	return info
}

// Catalog returns metadata for every capability in All() order.
func Catalog() []Info {
	all := All()
	out := make([]Info, len(all))
	for i, c := range all {
		out[i] = Describe(c)
	}
	return out
}
