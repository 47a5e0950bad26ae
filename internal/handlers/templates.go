package handlers

import (
	"context"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/hpungsan/carchat/internal/capability"
	"github.com/hpungsan/carchat/internal/conversation"
)

// Data source tags reported by the template handlers.
const (
	SourceSnapshot    = "vehicle_snapshot"
	SourceHistory     = "conversation_history"
	SourcePreferences = "user_preferences"
	SourceSimilar     = "similar_conversations"
)

var printer = message.NewPrinter(language.BrazilianPortuguese)

// Template returns the built-in handler for c.
func Template(c capability.Capability) Handler {
	return HandlerFunc(func(ctx context.Context, snap conversation.Snapshot, question string, sc SessionContext) (Response, error) {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		return render(c, snap, sc), nil
	})
}

func render(c capability.Capability, snap conversation.Snapshot, sc SessionContext) Response {
	vehicle := describeVehicle(snap)
	var (
		text   string
		needed []string
	)

	switch c {
	case capability.Technical:
		needed = []string{conversation.AttrFuel, conversation.AttrYear}
		text = fmt.Sprintf("Sobre a parte técnica do %s: combustível %s, ano %s. %s",
			vehicle, snap.Text(conversation.AttrFuel), snap.Text(conversation.AttrYear), optionsSentence(snap))
	case capability.Financial:
		needed = []string{conversation.AttrPrice}
		text = fmt.Sprintf("O %s está anunciado por %s. %s", vehicle, formatPrice(snap), installmentSentence(snap))
	case capability.Comparison:
		needed = []string{conversation.AttrPrice, conversation.AttrYear}
		text = fmt.Sprintf("Para comparar o %s com alternativas, considere preço (%s), ano (%s) e quilometragem (%s).%s",
			vehicle, formatPrice(snap), snap.Text(conversation.AttrYear), formatMileage(snap), preferenceSentence(sc))
	case capability.Maintenance:
		needed = []string{conversation.AttrMileage, conversation.AttrYear}
		text = fmt.Sprintf("O %s está com %s rodados. Confira o histórico de revisões e a cobertura de garantia do ano %s.",
			vehicle, formatMileage(snap), snap.Text(conversation.AttrYear))
	case capability.Valuation:
		needed = []string{conversation.AttrPrice, conversation.AttrMileage}
		text = fmt.Sprintf("O %s está anunciado por %s com %s rodados. Compare com a tabela FIPE do mesmo ano e versão.",
			vehicle, formatPrice(snap), formatMileage(snap))
	case capability.UsageFit:
		needed = []string{conversation.AttrOptions}
		text = fmt.Sprintf("Para avaliar se o %s combina com o seu uso, veja os itens de série: %s.",
			vehicle, strings.Join(optionsOrUnknown(snap), ", "))
	case capability.Fallback:
		text = fmt.Sprintf("Posso ajudar com informações sobre o %s: ficha técnica, financiamento, comparações, manutenção, preço ou adequação ao seu uso.", vehicle)
	default:
		panic(fmt.Sprintf("handlers: unhandled capability %s", c))
	}

	return Response{
		Text:        strings.TrimSpace(text),
		Confidence:  confidence(snap, sc, needed),
		DataSources: sources(sc),
		Followups:   DefaultFollowups(c),
	}
}

// confidence scales the router confidence by how many needed attributes are present.
func confidence(snap conversation.Snapshot, sc SessionContext, needed []string) float64 {
	base := sc.RouterConfidence
	if base <= 0 {
		base = 0.5
	}
	if len(needed) == 0 {
		return math.Min(base, 1)
	}
	present := 0
	for _, key := range needed {
		if _, ok := snap.Get(key); ok {
			present++
		}
	}
	scaled := base * (0.5 + 0.5*float64(present)/float64(len(needed)))
	return math.Round(math.Min(scaled, 1)*100) / 100
}

func sources(sc SessionContext) []string {
	out := []string{SourceSnapshot}
	if len(sc.History) > 0 {
		out = append(out, SourceHistory)
	}
	if len(sc.BrandPreferences) > 0 {
		out = append(out, SourcePreferences)
	}
	if sc.SimilarConversations > 0 {
		out = append(out, SourceSimilar)
	}
	return out
}

func describeVehicle(snap conversation.Snapshot) string {
	var parts []string
	for _, key := range []string{conversation.AttrBrand, conversation.AttrModel, conversation.AttrYear} {
		if v, ok := snap.Get(key); ok {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return "veículo"
	}
	return strings.Join(parts, " ")
}

func formatPrice(snap conversation.Snapshot) string {
	price, ok := snap.Number(conversation.AttrPrice)
	if !ok || price <= 0 {
		return conversation.Unknown
	}
	return printer.Sprintf("R$ %d", int64(math.Round(price)))
}

func formatMileage(snap conversation.Snapshot) string {
	km, ok := snap.Number(conversation.AttrMileage)
	if !ok || km < 0 {
		return conversation.Unknown
	}
	return printer.Sprintf("%d km", int64(math.Round(km)))
}

func installmentSentence(snap conversation.Snapshot) string {
	price, ok := snap.Number(conversation.AttrPrice)
	if !ok || price <= 0 {
		return "Informe o valor de entrada para simular as parcelas."
	}
	down := price * 0.2
	return printer.Sprintf("Com 20%% de entrada (R$ %d), o valor financiado fica em R$ %d.",
		int64(math.Round(down)), int64(math.Round(price-down)))
}

func optionsOrUnknown(snap conversation.Snapshot) []string {
	opts := snap.List(conversation.AttrOptions)
	if len(opts) == 0 {
		return []string{conversation.Unknown}
	}
	return opts
}

func optionsSentence(snap conversation.Snapshot) string {
	opts := snap.List(conversation.AttrOptions)
	if len(opts) == 0 {
		return ""
	}
	return "Destaques: " + strings.Join(opts, ", ") + "."
}

func preferenceSentence(sc SessionContext) string {
	if len(sc.BrandPreferences) == 0 {
		return ""
	}
	return " Você já demonstrou interesse em " + strings.Join(sc.BrandPreferences, ", ") + "."
}

var followups = map[capability.Capability][]string{
	capability.Technical:   {"Qual o consumo na cidade e na estrada?", "Qual o tipo de câmbio?", "Quais itens de segurança ele tem?"},
	capability.Financial:   {"Qual a taxa de juros?", "Posso dar meu carro como entrada?", "Quantas parcelas posso fazer?"},
	capability.Comparison:  {"Qual tem menor custo de manutenção?", "Qual desvaloriza menos?", "Qual é mais econômico?"},
	capability.Maintenance: {"Quanto custa a próxima revisão?", "A garantia ainda está válida?", "Há algum recall?"},
	capability.Valuation:   {"O preço está abaixo da FIPE?", "Quanto ele desvaloriza por ano?", "Aceitam contraproposta?"},
	capability.UsageFit:    {"Cabe uma cadeirinha no banco de trás?", "Qual o tamanho do porta-malas?", "É econômico no dia a dia?"},
	capability.Fallback:    {"Qual a potência do motor?", "Como funciona o financiamento?", "Quanto vale pela FIPE?"},
}

// DefaultFollowups returns suggested next questions for c.
func DefaultFollowups(c capability.Capability) []string {
	return append([]string(nil), followups[c]...)
}
