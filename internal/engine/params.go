package engine

import (
	"regexp"
	"strings"

	"github.com/convoflow/convoflow/internal/capability"
)

var (
	emailRe  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	urlRe    = regexp.MustCompile(`https?://[^\s)>\]"']+`)
	quotedRe = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	dateRe   = regexp.MustCompile(`(?i)\b(today|tomorrow|yesterday|\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}(?:/\d{2,4})?|(?:mon|tues|wednes|thurs|fri|satur|sun)day|(?:next|this) (?:week|month))\b`)
	bodyRe   = regexp.MustCompile(`(?i)\b(?:saying|tell (?:them|him|her)|message:?)\s+(.+)$`)
	aboutRe  = regexp.MustCompile(`(?i)\babout\s+(.+?)(?:\s+(?:to|for|at|on|by)\b|$)`)
)

// extractParams matches schema parameter names against common phrasings in
// the query. Purely lexical, no network. Values found here are defaults;
// script hook output and clarification answers override them.
func extractParams(query string, params []capability.Parameter) map[string]string {
	out := make(map[string]string)
	for _, p := range params {
		v := extractOne(query, p.Name)
		if v != "" {
			out[p.Name] = v
		}
	}
	return out
}

func extractOne(query, name string) string {
	switch {
	case nameHasToken(name, "recipient", "email", "to", "attendee", "attendees"):
		return emailRe.FindString(query)
	case nameHasToken(name, "url", "link", "website"):
		return urlRe.FindString(query)
	case nameHasToken(name, "body", "message", "text", "content", "description"):
		if m := bodyRe.FindStringSubmatch(query); m != nil {
			return strings.TrimSpace(m[1])
		}
	case nameHasToken(name, "subject", "title", "name", "summary", "topic"):
		if m := quotedRe.FindStringSubmatch(query); m != nil {
			if m[1] != "" {
				return m[1]
			}
			return m[2]
		}
		if m := aboutRe.FindStringSubmatch(query); m != nil {
			return strings.TrimSpace(m[1])
		}
	case nameHasToken(name, "date", "time", "when", "start", "end", "due", "deadline"):
		return dateRe.FindString(query)
	}
	return ""
}

// nameHasToken splits a parameter name on non-letter characters and reports
// whether any token equals one of the keywords. Token equality, not substring:
// "topic" must not match "to".
func nameHasToken(name string, keywords ...string) bool {
	tokens := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r < 'a' || r > 'z'
	})
	for _, tok := range tokens {
		for _, k := range keywords {
			if tok == k {
				return true
			}
		}
	}
	return false
}

// paramsFromNames wraps bare parameter names so clarification answers can be
// run through the same extractor as the original query.
func paramsFromNames(names []string) []capability.Parameter {
	params := make([]capability.Parameter, len(names))
	for i, n := range names {
		params[i] = capability.Parameter{Name: n, Type: "string", Required: true}
	}
	return params
}
