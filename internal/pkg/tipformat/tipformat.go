// Package tipformat renders the plain-text messages posted to the VIP
// channel and sent to subscribers.
package tipformat

import (
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/ranker"
)

const (
	TipHeader   = "⚡ ZEUS TIPS - PALPITE DO DIA ⚡"
	ForceHeader = "⚡ ZEUS TIPS - PALPITE EXTRA ⚡"

	multipleRule = "━━━━━━━━━━━━━━━━━━━━━━━━"
)

// Risk classifies a suggested odd.
type Risk struct {
	Label string
	Stake string
}

var (
	RiskSafe   = Risk{Label: "🟢 SEGURA", Stake: "5%"}
	RiskMedium = Risk{Label: "🟡 MÉDIA", Stake: "3%"}
	RiskHigh   = Risk{Label: "🔴 ALTA", Stake: "1-2%"}
)

// ClassifyOdd maps an odd to its risk band: up to 1.50 is safe, up to 2.00
// medium, anything above high.
func ClassifyOdd(odd float64) Risk {
	switch {
	case odd <= 1.50:
		return RiskSafe
	case odd <= 2.00:
		return RiskMedium
	default:
		return RiskHigh
	}
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

// Tip renders one candidate. Kickoff is shown in loc.
func Tip(header string, c ranker.Candidate, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	risk := ClassifyOdd(c.SuggestedValue)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", header)
	fmt.Fprintf(&b, "🏆 Campeonato: %s\n", orNA(c.Championship))
	fmt.Fprintf(&b, "⚽ Jogo: %s vs %s\n", orNA(c.HomeTeam), orNA(c.AwayTeam))
	if !c.KickoffTime.IsZero() {
		fmt.Fprintf(&b, "⏰ Horário: %s\n", c.KickoffTime.In(loc).Format("02/01 15:04 MST"))
	}
	fmt.Fprintf(&b, "📊 Análise: %s\n", orNA(c.Analysis))
	fmt.Fprintf(&b, "🎯 Palpite: %s (%s)\n", orNA(c.Prediction), orNA(c.Market))
	fmt.Fprintf(&b, "📈 Confiança: %.0f%%\n", c.Confidence)
	fmt.Fprintf(&b, "💰 Odd sugerida: %.2f %s\n", c.SuggestedValue, risk.Label)
	fmt.Fprintf(&b, "💼 Gestão: Aposte %s da sua banca\n", risk.Stake)
	return b.String()
}

// MultipleSize is the number of tips combined in the daily multiple.
const MultipleSize = 3

// DailyMultiple combines the first MultipleSize tips into one accumulator
// message. It reports false when fewer tips are available.
func DailyMultiple(tips []ranker.Candidate) (string, bool) {
	if len(tips) < MultipleSize {
		return "", false
	}
	top := tips[:MultipleSize]
	combined := 1.0
	for _, c := range top {
		combined *= c.SuggestedValue
	}

	var b strings.Builder
	b.WriteString("🔱 ZEUS TIPS - MÚLTIPLA DO DIA 🔱\n")
	b.WriteString(multipleRule + "\n\n")
	for i, c := range top {
		fmt.Fprintf(&b, "🎯 Jogo %d:\n", i+1)
		fmt.Fprintf(&b, "   🏆 %s\n", orNA(c.Championship))
		fmt.Fprintf(&b, "   ⚽ %s vs %s\n", orNA(c.HomeTeam), orNA(c.AwayTeam))
		fmt.Fprintf(&b, "   📊 Palpite: %s (%s)\n", orNA(c.Prediction), orNA(c.Market))
		fmt.Fprintf(&b, "   💰 Odd: %.2f %s\n", c.SuggestedValue, ClassifyOdd(c.SuggestedValue).Label)
		fmt.Fprintf(&b, "   📈 Confiança: %.0f%%\n\n", c.Confidence)
	}
	b.WriteString(multipleRule + "\n")
	fmt.Fprintf(&b, "💰 Odd combinada: %.2f\n", combined)
	b.WriteString("💼 Gestão: Aposte 1% da sua banca para múltiplas\n")
	b.WriteString(multipleRule + "\n")
	b.WriteString("⚠️ Múltiplas possuem risco elevado. Aposte com responsabilidade!")
	return b.String(), true
}

// ExpiryNotice is sent once to a subscriber whose access window closed.
func ExpiryNotice() string {
	return "Sua assinatura Zeus Tips expirou. Para continuar recebendo nossos palpites VIP, " +
		"por favor, renove sua assinatura usando o comando /assinar."
}

// Profit is the return of a one-unit stake on a settled tip: odd minus one
// on green, minus one on red and zero otherwise.
func Profit(result string, odd float64) float64 {
	switch result {
	case models.ResultGreen:
		if odd <= 0 {
			return 0
		}
		return odd - 1
	case models.ResultRed:
		return -1
	}
	return 0
}

// Result renders the green or red notice for a settled tip.
func Result(rec models.DispatchRecord, res models.DispatchResult) string {
	var b strings.Builder
	if res.Result == models.ResultGreen {
		b.WriteString("✅ GREEN - Acertamos! ✅\n")
	} else {
		b.WriteString("❌ RED - Não foi dessa vez ❌\n")
	}
	fmt.Fprintf(&b, "⚽ %s %d x %d %s\n", orNA(rec.HomeTeam), res.HomeGoals, res.AwayGoals, orNA(rec.AwayTeam))
	fmt.Fprintf(&b, "🏆 %s\n", orNA(rec.Championship))
	fmt.Fprintf(&b, "🎯 Palpite: %s\n", orNA(rec.Prediction))
	if res.Result == models.ResultGreen {
		fmt.Fprintf(&b, "💰 Lucro: +%.2f unidades por unidade apostada", Profit(res.Result, rec.SuggestedValue))
	} else {
		b.WriteString("📉 Perda: -1.00 unidade por unidade apostada")
	}
	return b.String()
}

// DaySummary is the tally of the tips dispatched on one day.
type DaySummary struct {
	Date    time.Time `json:"date"`
	Total   int       `json:"total"`
	Greens  int       `json:"greens"`
	Reds    int       `json:"reds"`
	Voids   int       `json:"voids"`
	Pending int       `json:"pending"`
	Profit  float64   `json:"profit"`
	ROI     float64   `json:"roi"`
}

// DailySummary renders the end-of-day ROI message.
func DailySummary(s DaySummary) string {
	resolved := s.Greens + s.Reds
	var greenPct, redPct float64
	if resolved > 0 {
		greenPct = float64(s.Greens) / float64(resolved) * 100
		redPct = float64(s.Reds) / float64(resolved) * 100
	}
	emoji, sign := "📈", "+"
	if s.ROI < 0 {
		emoji, sign = "📉", ""
	}

	var b strings.Builder
	b.WriteString("📊 ZEUS TIPS - RESUMO DO DIA 📊\n")
	b.WriteString(multipleRule + "\n\n")
	fmt.Fprintf(&b, "📅 Data: %s\n\n", s.Date.Format("02/01/2006"))
	fmt.Fprintf(&b, "📋 Total de palpites: %d\n", s.Total)
	fmt.Fprintf(&b, "✅ Greens: %d (%.0f%%)\n", s.Greens, greenPct)
	fmt.Fprintf(&b, "❌ Reds: %d (%.0f%%)\n", s.Reds, redPct)
	if s.Pending > 0 {
		fmt.Fprintf(&b, "⏳ Pendentes: %d\n", s.Pending)
	}
	if s.Voids > 0 {
		fmt.Fprintf(&b, "↩️ Anulados: %d\n", s.Voids)
	}
	fmt.Fprintf(&b, "\n%s ROI do dia: %s%.1f%%\n", emoji, sign, s.ROI)
	fmt.Fprintf(&b, "💰 Lucro/Prejuízo: %s%.2f unidades\n", sign, s.Profit)
	b.WriteString("\n" + multipleRule + "\n")
	if s.ROI >= 0 {
		b.WriteString("✨ Dia positivo! Continuamos firmes! ⚡")
	} else {
		b.WriteString("💪 Dia difícil, mas seguimos com disciplina e gestão!")
	}
	return b.String()
}
