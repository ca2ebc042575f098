package factcheck

import (
	"regexp"
	"strings"
)

const fallbackQueryWords = 12

// ClaimTerms are topics the fact-check corpus indexes well; a text mentioning
// any of them is searched by those terms alone.
var ClaimTerms = []string{
	"vaksin", "covid", "chip", "autisme",
	"pemilu", "kecurangan", "konspirasi", "hoaks",
	"buzzer", "Israel", "Palestina",
}

type termMatcher struct {
	term string
	re   *regexp.Regexp
}

func compileTerms(terms []string) []termMatcher {
	out := make([]termMatcher, 0, len(terms))
	for _, t := range terms {
		out = append(out, termMatcher{
			term: t,
			re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(t) + `\b`),
		})
	}
	return out
}

var defaultMatchers = compileTerms(ClaimTerms)

// BuildQuery shortens text into a claim search query: the known claim terms
// it mentions, in list order, or else its first twelve words.
func BuildQuery(text string) string {
	var found []string
	for _, m := range defaultMatchers {
		if m.re.MatchString(text) {
			found = append(found, m.term)
		}
	}
	if len(found) > 0 {
		return strings.Join(found, " ")
	}

	words := strings.Fields(text)
	if len(words) > fallbackQueryWords {
		words = words[:fallbackQueryWords]
	}
	return strings.Join(words, " ")
}
