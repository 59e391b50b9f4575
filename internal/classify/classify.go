// Package classify assigns alert type, severity and incident type to articles.
//
// Alert types are decided by an ordered rule list: the first rule that fires
// wins, and an article no rule claims is a SECURITY_MENTION.
package classify

import (
	"log"
	"math"
	"strings"
	"time"

	"breachscope/internal/model"
)

const (
	breachBase      = 0.7
	incidentBase    = 0.6
	mentionConf     = 0.5
	fallbackConf    = 0.3
	patternStep     = 0.05
	hedgePenalty    = 0.1
	incidentMinConf = 0.3
	incidentMaxConf = 0.9

	// RecentWindow bounds how old an article may be to still count as a
	// developing incident.
	RecentWindow = 7 * 24 * time.Hour
)

// Input is the normalized view every rule evaluates
type Input struct {
	Text        string // lowercased, whitespace collapsed
	PublishedAt time.Time
	Now         time.Time
}

// Recent reports whether the article was published within RecentWindow.
// Future publication dates count as recent.
func (in Input) Recent() bool {
	if in.PublishedAt.IsZero() {
		return false
	}
	return in.Now.Sub(in.PublishedAt) <= RecentWindow
}

// Rule is one entry of the alert type precedence list
type Rule interface {
	Name() string
	Evaluate(in Input) (alert model.AlertType, confidence float64, ok bool)
}

// ConfirmedBreachRule fires on disclosure, scale, regulatory or completed
// encryption language. Hedging vetoes it unless encryption already happened.
type ConfirmedBreachRule struct{}

func (ConfirmedBreachRule) Name() string { return "confirmed_breach" }

func (ConfirmedBreachRule) Evaluate(in Input) (model.AlertType, float64, bool) {
	matched := 0
	for _, f := range confirmedFamilies {
		matched += f.count(in.Text)
	}
	if matched == 0 {
		return "", 0, false
	}

	encrypted := encryptionFamily.count(in.Text) > 0
	if !encrypted && hedgePattern.MatchString(in.Text) {
		return "", 0, false
	}

	confidence := breachBase + patternStep*float64(matched-1)
	return model.AlertConfirmedBreach, round(math.Min(confidence, 1.0)), true
}

// IncidentRule fires on active investigation language that carries at least
// one uncertainty marker and is recent or described as ongoing.
type IncidentRule struct{}

func (IncidentRule) Name() string { return "security_incident" }

func (IncidentRule) Evaluate(in Input) (model.AlertType, float64, bool) {
	if encryptionFamily.count(in.Text) > 0 {
		return "", 0, false
	}
	matched := incidentFamily.count(in.Text)
	if matched == 0 {
		return "", 0, false
	}
	if !uncertaintyPattern.MatchString(in.Text) {
		return "", 0, false
	}
	if !in.Recent() && !ongoingPattern.MatchString(in.Text) {
		return "", 0, false
	}

	confidence := incidentBase + patternStep*float64(matched-1)
	if hedgePattern.MatchString(in.Text) {
		confidence -= hedgePenalty
	}
	confidence = math.Max(incidentMinConf, math.Min(incidentMaxConf, confidence))
	return model.AlertIncident, round(confidence), true
}

// DefaultRules is the precedence order used by New
var DefaultRules = []Rule{ConfirmedBreachRule{}, IncidentRule{}}

// Classifier evaluates the rule list and the independent severity and
// incident type tables.
type Classifier struct {
	rules  []Rule
	logger *log.Logger
	now    func() time.Time
}

func New(logger *log.Logger) *Classifier {
	return NewWithRules(logger, DefaultRules...)
}

// NewWithRules builds a classifier over a custom precedence list
func NewWithRules(logger *log.Logger, rules ...Rule) *Classifier {
	return &Classifier{rules: rules, logger: logger, now: time.Now}
}

// Classify never fails: a panic while evaluating degrades to a medium
// severity mention with low confidence.
func (c *Classifier) Classify(article model.Article) (result model.Classification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("Classification failed for article %d, using default: %v", article.ID, r)
			result = Fallback()
		}
	}()

	in := Input{
		Text:        Normalize(article.Text()),
		PublishedAt: article.PublishedAt,
		Now:         c.now(),
	}

	result = model.Classification{
		AlertType:    model.AlertMention,
		Confidence:   mentionConf,
		Severity:     Severity(in.Text),
		IncidentType: IncidentType(in.Text),
	}
	for _, rule := range c.rules {
		if alert, confidence, ok := rule.Evaluate(in); ok {
			result.AlertType = alert
			result.Confidence = confidence
			break
		}
	}
	return result
}

// Fallback is the classification used when evaluation fails
func Fallback() model.Classification {
	return model.Classification{
		AlertType:    model.AlertMention,
		Severity:     model.SeverityMedium,
		Confidence:   fallbackConf,
		IncidentType: "other",
	}
}

// Severity picks the highest tier whose language occurs in text
func Severity(text string) model.Severity {
	switch {
	case criticalSeverity.count(text) > 0:
		return model.SeverityCritical
	case highSeverity.count(text) > 0:
		return model.SeverityHigh
	case lowSeverity.count(text) > 0:
		return model.SeverityLow
	}
	return model.SeverityMedium
}

// IncidentType returns the first incident family found in text
func IncidentType(text string) string {
	for _, f := range incidentTypes {
		if f.count(text) > 0 {
			return f.name
		}
	}
	return "other"
}

// Normalize lowercases text and collapses whitespace
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
