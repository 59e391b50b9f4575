// Package model holds the records shared by the alert pipeline stages.
package model

import (
	"strings"
	"time"
)

// AlertType is the urgency bucket an article is classified into.
type AlertType string

const (
	AlertMention         AlertType = "SECURITY_MENTION"
	AlertIncident        AlertType = "SECURITY_INCIDENT"
	AlertConfirmedBreach AlertType = "CONFIRMED_BREACH"
)

// AllAlertTypes is the implicit filter of a subscription without one.
var AllAlertTypes = []AlertType{AlertMention, AlertIncident, AlertConfirmedBreach}

// ParseAlertType accepts the canonical names as well as the short
// MENTION / INCIDENT forms.
func ParseAlertType(s string) (AlertType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SECURITY_MENTION", "MENTION":
		return AlertMention, true
	case "SECURITY_INCIDENT", "INCIDENT":
		return AlertIncident, true
	case "CONFIRMED_BREACH", "BREACH":
		return AlertConfirmedBreach, true
	}
	return "", false
}

// Severity is ordered LOW < MEDIUM < HIGH < CRITICAL.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns the position of s in the severity ordering, 0 for unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", false
	}
	return sev, true
}

// EntityType names the kind of tracked entity.
type EntityType string

const (
	EntityKeyword  EntityType = "keyword"
	EntityCompany  EntityType = "company"
	EntityAgency   EntityType = "agency"
	EntityLocation EntityType = "location"
)

func ParseEntityType(s string) (EntityType, bool) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case EntityKeyword, EntityCompany, EntityAgency, EntityLocation:
		return t, true
	}
	return "", false
}

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

var AllChannels = []Channel{ChannelEmail, ChannelSMS, ChannelPush}

// Source is a pull-based feed endpoint.
type Source struct {
	ID           int64
	URL          string
	Title        string
	Tags         []string
	IsActive     bool
	Status       string
	ErrorCount   int
	LastError    string
	LastFetched  time.Time
	LastModified string
	ETag         string
}

// CandidateItem is a parsed feed item that has not been accepted yet.
type CandidateItem struct {
	SourceID     int64
	Title        string
	Link         string
	GUID         string
	PublishedAt  *time.Time
	Published    string // raw date string, used when the feed parser could not parse it
	Description  string
	Body         string
	Categories   []string
	EnclosureURL string
	ImageURL     string
}

// Article is an accepted, persisted item.
type Article struct {
	ID                       int64
	SourceID                 int64
	Link                     string
	GUID                     string
	Title                    string
	Description              string
	Body                     string
	ContentEnriched          bool
	PublishedAt              time.Time
	ImageURL                 string
	Severity                 Severity
	AlertType                AlertType
	ClassificationConfidence float64
	IncidentType             string
	Categories               []string
	CreatedAt                time.Time
}

// Text returns the combined searchable text, title first.
func (a Article) Text() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{a.Title, a.Description, a.Body} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n")
}

// Tombstone blocks re-creation of a deleted article.
type Tombstone struct {
	Link      string
	GUID      string
	DeletedAt time.Time
	Reason    string
}

// ExclusionTerm suppresses ingestion of items containing Term.
// SourceID 0 marks a global term.
type ExclusionTerm struct {
	ID       int64
	SourceID int64
	Term     string
	IsActive bool
}

// Entity is a tracked keyword, company, agency or location.
type Entity struct {
	ID       int64
	Type     EntityType
	Name     string
	Aliases  []string
	Acronym  string
	City     string
	Region   string
	IsActive bool
}

// Key identifies the entity across tables.
func (e Entity) Key() EntityKey {
	return EntityKey{Type: e.Type, ID: e.ID}
}

// Terms lists every searchable term for the entity, canonical name first,
// without blanks or case-insensitive duplicates.
func (e Entity) Terms() []string {
	candidates := []string{e.Name}
	switch e.Type {
	case EntityKeyword, EntityCompany:
		candidates = append(candidates, e.Aliases...)
	case EntityAgency:
		candidates = append(candidates, e.Acronym)
		candidates = append(candidates, e.Aliases...)
	case EntityLocation:
		candidates = append(candidates, e.City, e.Region)
		candidates = append(candidates, e.Aliases...)
	}

	seen := make(map[string]bool, len(candidates))
	terms := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || seen[strings.ToLower(c)] {
			continue
		}
		seen[strings.ToLower(c)] = true
		terms = append(terms, c)
	}
	return terms
}

// EntityKey is the (entityType, entityId) pair subscriptions target.
type EntityKey struct {
	Type EntityType
	ID   int64
}

// Match links an article to an entity it mentions.
type Match struct {
	ArticleID  int64
	EntityType EntityType
	EntityID   int64
	Term       string
	Confidence float64
	Context    string
}

func (m Match) Key() EntityKey {
	return EntityKey{Type: m.EntityType, ID: m.EntityID}
}

// Classification is the classifier's verdict for one article.
type Classification struct {
	AlertType    AlertType
	Severity     Severity
	Confidence   float64
	IncidentType string
}

// Channels holds the per-channel opt-in of a subscription.
type Channels struct {
	Email bool
	SMS   bool
	Push  bool
}

func (c Channels) Enabled(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return c.Email
	case ChannelSMS:
		return c.SMS
	case ChannelPush:
		return c.Push
	}
	return false
}

// User carries the delivery addresses of a subscriber.
type User struct {
	ID          int64
	Name        string
	Email       string
	Phone       string
	DeviceToken string
}

// Address returns the delivery address for ch, empty when the user has none.
func (u User) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return strings.TrimSpace(u.Email)
	case ChannelSMS:
		return strings.TrimSpace(u.Phone)
	case ChannelPush:
		return strings.TrimSpace(u.DeviceToken)
	}
	return ""
}

// Subscription asks for notifications about one entity.
type Subscription struct {
	ID            int64
	UserID        int64
	EntityType    EntityType
	EntityID      int64
	Channels      Channels
	SeverityFloor Severity    // empty means no floor
	AlertTypes    []AlertType // empty means all alert types
	IsActive      bool
	User          User

	// UnknownAlertTypes holds stored filter entries that no longer parse.
	UnknownAlertTypes []string
}

// AdmitsAlertType reports whether a is in the subscription's filter. A
// filter made only of unknown entries admits nothing.
func (s Subscription) AdmitsAlertType(a AlertType) bool {
	if len(s.AlertTypes) == 0 {
		return len(s.UnknownAlertTypes) == 0
	}
	for _, t := range s.AlertTypes {
		if t == a {
			return true
		}
	}
	return false
}

// AdmitsSeverity reports whether sev meets the severity floor.
func (s Subscription) AdmitsSeverity(sev Severity) bool {
	if s.SeverityFloor == "" {
		return true
	}
	return sev.Rank() >= s.SeverityFloor.Rank()
}

// NotificationJob is one queued delivery to one channel of one user.
type NotificationJob struct {
	ID          string
	UserID      int64
	ArticleID   int64
	Channel     Channel
	Address     string
	Priority    int
	Delay       time.Duration
	AvailableAt time.Time
}

type DeliveryStatus string

const (
	StatusSent   DeliveryStatus = "SENT"
	StatusFailed DeliveryStatus = "FAILED"
)

// NotificationRecord is the append-only outcome of one delivery attempt.
type NotificationRecord struct {
	ID        int64
	JobID     string
	UserID    int64
	ArticleID int64
	Channel   Channel
	Status    DeliveryStatus
	Error     string
	SentAt    time.Time
}
