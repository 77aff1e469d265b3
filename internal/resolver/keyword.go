package resolver

import (
	"context"
	"strings"
	"unicode"
)

const defaultMinScore = 2

// KeywordResolver scores candidates by token overlap between the query and
// the candidate's name and description. Name hits weigh double. It is a
// pure function of its inputs and needs no network, which makes it the
// offline fallback when no LLM backend is configured.
type KeywordResolver struct {
	minScore int
}

// NewKeywordResolver returns a keyword resolver. minScore below 1 uses the
// default threshold.
func NewKeywordResolver(minScore int) *KeywordResolver {
	if minScore < 1 {
		minScore = defaultMinScore
	}
	return &KeywordResolver{minScore: minScore}
}

func (r *KeywordResolver) ChooseBest(_ context.Context, query string, candidates []Candidate) (string, error) {
	if len(candidates) == 0 {
		return "", ErrAmbiguous
	}

	queryTokens := tokenize(query)
	best, bestScore, runnerUp := "", 0, 0
	for _, c := range candidates {
		score := score(queryTokens, c)
		if score > bestScore {
			runnerUp = bestScore
			bestScore = score
			best = c.ID
		} else if score > runnerUp {
			runnerUp = score
		}
	}
	if bestScore < r.minScore || bestScore == runnerUp {
		return "", ErrAmbiguous
	}
	return best, nil
}

func score(queryTokens map[string]bool, c Candidate) int {
	nameTokens := tokenize(c.Name + " " + c.ID)
	descTokens := tokenize(c.Description)
	s := 0
	for t := range queryTokens {
		if nameTokens[t] {
			s += 2
		} else if descTokens[t] {
			s++
		}
	}
	return s
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, t := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(t) > 1 {
			tokens[t] = true
		}
	}
	return tokens
}
