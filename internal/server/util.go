package server

import (
	"encoding/json"
	"html"
	"net/http"
	"regexp"
	"strings"
)

var (
	htmlTagPattern    = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// RespondWithError sends a JSON error response
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, map[string]string{"error": message})
}

// RespondWithJSON sends a JSON response with the given status code and payload.
// If the payload is nil, no body is sent.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		// headers are already written, nothing useful to do on failure
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// stripHTML removes tags, decodes entities and collapses whitespace
func stripHTML(input string) string {
	if input == "" {
		return ""
	}
	text := htmlTagPattern.ReplaceAllString(input, "")
	text = html.UnescapeString(text)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

// truncateText shortens input to maxLength runes including the "..."
// suffix, cutting at a word boundary when one is reasonably close.
func truncateText(input string, maxLength int) string {
	if input == "" || maxLength <= 0 {
		return ""
	}
	runes := []rune(input)
	if len(runes) <= maxLength {
		return input
	}

	cut := maxLength - 3
	if cut <= 0 {
		return "..."
	}
	text := string(runes[:cut])
	if lastSpace := strings.LastIndex(text, " "); lastSpace > len(text)/2 {
		text = text[:lastSpace]
	}
	return text + "..."
}

// ProcessBodyText turns feed HTML into a plain text summary
func ProcessBodyText(input string, maxLength int) string {
	text := stripHTML(input)
	if maxLength > 0 {
		text = truncateText(text, maxLength)
	}
	return text
}
