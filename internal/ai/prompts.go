package ai

import (
	"fmt"
	"sort"
	"strings"
)

func systemPrompt(kind AnalysisKind) string {
	switch kind {
	case KindSentiment:
		return "You are a cryptocurrency market sentiment analyst. " +
			"Respond with a JSON object: {\"sentiment_score\": <-1.0 to 1.0>, " +
			"\"confidence\": <0.0 to 1.0>, \"reasoning\": \"<one sentence>\"}."
	case KindTradingSignal:
		return "You are a cryptocurrency trading analyst. Given market data and " +
			"technical indicators, respond with a JSON object: " +
			"{\"signal\": \"BUY\"|\"SELL\"|\"HOLD\", \"confidence\": <0.0 to 1.0>, " +
			"\"risk_level\": \"LOW\"|\"MEDIUM\"|\"HIGH\"|\"EXTREME\", " +
			"\"reasoning\": \"<one sentence>\"}."
	case KindRiskAssess:
		return "You are a cryptocurrency risk analyst. Assess the position against " +
			"current market conditions and respond with a JSON object: " +
			"{\"risk_level\": \"LOW\"|\"MEDIUM\"|\"HIGH\"|\"EXTREME\", " +
			"\"confidence\": <0.0 to 1.0>, \"reasoning\": \"<one sentence>\"}."
	default:
		return "You are a cryptocurrency market analyst. Respond with a JSON object " +
			"containing a \"confidence\" field between 0.0 and 1.0."
	}
}

// SentimentPrompt builds the user prompt for sentiment analysis.
func SentimentPrompt(text, context string) string {
	var b strings.Builder
	b.WriteString("Analyze the market sentiment of the following text.\n\n")
	if context != "" {
		fmt.Fprintf(&b, "Context: %s\n\n", context)
	}
	fmt.Fprintf(&b, "Text:\n%s\n", text)
	return b.String()
}

// SignalPrompt builds the user prompt for trading signal generation.
func SignalPrompt(symbol string, marketData, indicators map[string]float64, timeframe string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Evaluate a trade setup for %s on the %s timeframe.\n\n", symbol, timeframe)
	b.WriteString("Market data:\n")
	writeSortedFloats(&b, marketData)
	b.WriteString("\nTechnical indicators:\n")
	writeSortedFloats(&b, indicators)
	b.WriteString("\nShould this setup be traded?")
	return b.String()
}

// RiskPrompt builds the user prompt for risk assessment.
func RiskPrompt(symbol string, position, conditions map[string]float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Assess the risk of the following %s position.\n\n", symbol)
	b.WriteString("Position:\n")
	writeSortedFloats(&b, position)
	b.WriteString("\nMarket conditions:\n")
	writeSortedFloats(&b, conditions)
	return b.String()
}

// Keys are written in sorted order so identical inputs always produce
// identical prompts and hit the response cache.
func writeSortedFloats(b *strings.Builder, m map[string]float64) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "  %s: %.6g\n", k, m[k])
	}
}
