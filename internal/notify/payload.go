package notify

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"breachscope/internal/model"
)

const smsLimit = 160

// Payload is the minimal rendering shared by all channels
type Payload struct {
	Subject   string
	Body      string
	Short     string // single line for SMS
	URL       string
	AlertType model.AlertType
	Severity  model.Severity
}

var alertLabels = map[model.AlertType]string{
	model.AlertConfirmedBreach: "Confirmed breach",
	model.AlertIncident:        "Security incident",
	model.AlertMention:         "Security mention",
}

// Render builds the payload of an article
func Render(a model.Article) Payload {
	label := alertLabels[a.AlertType]
	if label == "" {
		label = string(a.AlertType)
	}
	title := strings.Join(strings.Fields(a.Title), " ")

	var body strings.Builder
	fmt.Fprintf(&body, "%s (%s severity)\n\n%s\n", label, a.Severity, title)
	if a.IncidentType != "" && a.IncidentType != "other" {
		fmt.Fprintf(&body, "Type: %s\n", strings.ReplaceAll(a.IncidentType, "_", " "))
	}
	if a.Link != "" {
		fmt.Fprintf(&body, "\n%s\n", a.Link)
	}

	return Payload{
		Subject:   fmt.Sprintf("[%s] %s", a.Severity, title),
		Body:      body.String(),
		Short:     truncate(fmt.Sprintf("%s: %s %s", label, title, a.Link), smsLimit),
		URL:       a.Link,
		AlertType: a.AlertType,
		Severity:  a.Severity,
	}
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}
