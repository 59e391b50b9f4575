// Package match finds tracked entities in article text.
package match

import (
	"log"
	"math"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"breachscope/internal/model"
	"breachscope/internal/registry"
)

// Scoring constants
const (
	BaseConfidence   = 0.6
	ExactCaseBonus   = 0.15
	TitleRegionBonus = 0.15
	LongTermBonus    = 0.1

	TitleRegion   = 200 // hits starting before this byte offset count as title region
	LongTermChars = 5
	ContextRadius = 100
)

// Engine matches articles against a registry snapshot. Compiled term
// patterns are cached across articles.
type Engine struct {
	logger   *log.Logger
	patterns sync.Map // lowercased term -> *regexp.Regexp
}

func NewEngine(logger *log.Logger) *Engine {
	return &Engine{logger: logger}
}

// Match returns at most one Match per entity, keeping the best scoring term.
// A failure inside matching yields no matches rather than an error.
func (e *Engine) Match(article model.Article, snap *registry.Snapshot) (matches []model.Match) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("Matching failed for article %d, continuing without matches: %v", article.ID, r)
			matches = nil
		}
	}()

	if snap == nil {
		return nil
	}
	text := article.Text()
	if text == "" {
		return nil
	}

	for _, entity := range snap.All() {
		best, ok := e.bestTerm(text, entity.Terms())
		if !ok {
			continue
		}
		best.ArticleID = article.ID
		best.EntityType = entity.Type
		best.EntityID = entity.ID
		matches = append(matches, best)
	}
	return matches
}

// bestTerm scores every whole-word occurrence of every term and returns the
// highest confidence hit, the earliest one on ties.
func (e *Engine) bestTerm(text string, terms []string) (model.Match, bool) {
	var best model.Match
	bestIndex := -1

	for _, term := range terms {
		re := e.pattern(term)
		for _, loc := range re.FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]
			confidence := Score(term, text[start:end], start)
			if bestIndex == -1 || confidence > best.Confidence || (confidence == best.Confidence && start < bestIndex) {
				best = model.Match{
					Term:       term,
					Confidence: confidence,
					Context:    Context(text, start),
				}
				bestIndex = start
			}
		}
	}
	return best, bestIndex >= 0
}

// Score computes the confidence of one hit of term, found as matched at byte
// offset index.
func Score(term, matched string, index int) float64 {
	confidence := BaseConfidence
	if matched == term {
		confidence += ExactCaseBonus
	}
	if index < TitleRegion {
		confidence += TitleRegionBonus
	}
	if utf8.RuneCountInString(term) > LongTermChars {
		confidence += LongTermBonus
	}
	confidence = math.Round(confidence*100) / 100
	return math.Min(confidence, 1.0)
}

// Context returns up to ContextRadius bytes on either side of index, cut on
// rune boundaries and with whitespace collapsed.
func Context(text string, index int) string {
	start := max(index-ContextRadius, 0)
	end := min(index+ContextRadius, len(text))
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	return strings.Join(strings.Fields(text[start:end]), " ")
}

func (e *Engine) pattern(term string) *regexp.Regexp {
	key := strings.ToLower(term)
	if cached, ok := e.patterns.Load(key); ok {
		return cached.(*regexp.Regexp)
	}
	re := regexp.MustCompile(termPattern(term))
	e.patterns.Store(key, re)
	return re
}

// termPattern builds a case-insensitive whole-word pattern. Word boundaries
// are only asserted on sides where the term itself starts or ends with a
// word character, so terms like "C++" still match.
func termPattern(term string) string {
	var b strings.Builder
	b.WriteString(`(?i)`)
	first, _ := utf8.DecodeRuneInString(term)
	last, _ := utf8.DecodeLastRuneInString(term)
	if isWordRune(first) {
		b.WriteString(`\b`)
	}
	b.WriteString(regexp.QuoteMeta(term))
	if isWordRune(last) {
		b.WriteString(`\b`)
	}
	return b.String()
}

func isWordRune(r rune) bool {
	return r == '_' || (r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}
