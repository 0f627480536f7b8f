package operations

import (
	"context"
	"math"
	"sort"
)

const (
	defaultMaxKeywords = 10
	maxKeywordsLimit   = 50
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "have": {}, "i": {}, "in": {}, "is": {}, "it": {}, "its": {},
	"of": {}, "on": {}, "or": {}, "over": {}, "so": {}, "that": {}, "the": {}, "this": {}, "to": {},
	"was": {}, "we": {}, "were": {}, "will": {}, "with": {}, "you": {},
}

type Keyword struct {
	Word           string  `json:"word"`
	Frequency      int     `json:"frequency"`
	RelevanceScore float64 `json:"relevance_score"`
}

type KeywordResult struct {
	Keywords         []Keyword `json:"keywords"`
	TotalWords       int       `json:"total_words"`
	UniqueWords      int       `json:"unique_words"`
	StopWordsRemoved int       `json:"stop_words_removed"`
}

// ExtractKeywords ranks non-stop-words by frequency. Params: "text" (required),
// "max_keywords" (default 10, capped at 50).
func ExtractKeywords(_ context.Context, _ string, params map[string]any) (any, error) {
	text, err := requiredText(params, "text")
	if err != nil {
		return nil, err
	}
	limit, err := optionalInt(params, "max_keywords", defaultMaxKeywords)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxKeywordsLimit {
		limit = defaultMaxKeywords
	}

	all := words(text)
	counts := map[string]int{}
	order := map[string]int{}
	removed := 0
	for i, w := range all {
		if _, stop := stopWords[w]; stop || len(w) < 2 {
			removed++
			continue
		}
		if _, seen := order[w]; !seen {
			order[w] = i
		}
		counts[w]++
	}

	keywords := make([]Keyword, 0, len(counts))
	kept := len(all) - removed
	for w, c := range counts {
		keywords = append(keywords, Keyword{
			Word:           w,
			Frequency:      c,
			RelevanceScore: math.Round(float64(c)/float64(kept)*100) / 100,
		})
	}
	sort.Slice(keywords, func(i, j int) bool {
		if keywords[i].Frequency != keywords[j].Frequency {
			return keywords[i].Frequency > keywords[j].Frequency
		}
		return order[keywords[i].Word] < order[keywords[j].Word]
	})
	if len(keywords) > limit {
		keywords = keywords[:limit]
	}

	return KeywordResult{
		Keywords:         keywords,
		TotalWords:       len(all),
		UniqueWords:      len(counts),
		StopWordsRemoved: removed,
	}, nil
}
