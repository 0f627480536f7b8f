package operations

import (
	"context"
	"math"
)

var (
	positiveWords = map[string]struct{}{
		"amazing": {}, "awesome": {}, "best": {}, "brilliant": {}, "excellent": {}, "fantastic": {},
		"good": {}, "great": {}, "happy": {}, "love": {}, "nice": {}, "perfect": {}, "wonderful": {},
	}
	negativeWords = map[string]struct{}{
		"angry": {}, "awful": {}, "bad": {}, "broken": {}, "disappointing": {}, "hate": {},
		"horrible": {}, "poor": {}, "sad": {}, "terrible": {}, "useless": {}, "worst": {},
	}
)

const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

type SentimentResult struct {
	Label          string  `json:"label"`
	Score          float64 `json:"score"`
	Confidence     float64 `json:"confidence"`
	TotalWords     int     `json:"total_words"`
	PositiveWords  int     `json:"positive_words_found"`
	NegativeWords  int     `json:"negative_words_found"`
	TextLength     int     `json:"text_length"`
	AlgorithmLabel string  `json:"algorithm"`
}

// AnalyzeSentiment scores "text" by counting lexicon matches.
func AnalyzeSentiment(_ context.Context, _ string, params map[string]any) (any, error) {
	text, err := requiredText(params, "text")
	if err != nil {
		return nil, err
	}

	all := words(text)
	var pos, neg int
	for _, w := range all {
		if _, ok := positiveWords[w]; ok {
			pos++
		}
		if _, ok := negativeWords[w]; ok {
			neg++
		}
	}

	score := 0.0
	if len(all) > 0 {
		score = math.Round(float64(pos-neg)/float64(len(all))*100) / 100
	}
	label := SentimentNeutral
	switch {
	case pos > neg:
		label = SentimentPositive
	case neg > pos:
		label = SentimentNegative
	}

	return SentimentResult{
		Label:          label,
		Score:          score,
		Confidence:     math.Min(1, 0.3+0.1*float64(pos+neg)),
		TotalWords:     len(all),
		PositiveWords:  pos,
		NegativeWords:  neg,
		TextLength:     len(text),
		AlgorithmLabel: "keyword_matching",
	}, nil
}
