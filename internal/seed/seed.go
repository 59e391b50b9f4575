// Package seed loads sources, exclusion terms, tracked entities and
// subscriptions from a YAML file into the store.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"breachscope/internal/database"
	"breachscope/internal/model"
)

// File is the layout of a seed file
type File struct {
	Sources    []SourceSeed    `yaml:"sources"`
	Exclusions []ExclusionSeed `yaml:"exclusions"`
	Entities   []EntitySeed    `yaml:"entities"`
	Users      []UserSeed      `yaml:"users"`
}

type SourceSeed struct {
	URL      string   `yaml:"url"`
	Title    string   `yaml:"title"`
	Tags     []string `yaml:"tags"`
	Disabled bool     `yaml:"disabled"`
}

// ExclusionSeed is global unless Source names a seeded source URL
type ExclusionSeed struct {
	Term   string `yaml:"term"`
	Source string `yaml:"source"`
}

type EntitySeed struct {
	Type     string   `yaml:"type"`
	Name     string   `yaml:"name"`
	Aliases  []string `yaml:"aliases"`
	Acronym  string   `yaml:"acronym"`
	City     string   `yaml:"city"`
	Region   string   `yaml:"region"`
	Disabled bool     `yaml:"disabled"`
}

type UserSeed struct {
	Name          string             `yaml:"name"`
	Email         string             `yaml:"email"`
	Phone         string             `yaml:"phone"`
	DeviceToken   string             `yaml:"deviceToken"`
	Subscriptions []SubscriptionSeed `yaml:"subscriptions"`
}

// SubscriptionSeed targets an entity by type and name
type SubscriptionSeed struct {
	EntityType    string   `yaml:"type"`
	Entity        string   `yaml:"entity"`
	Channels      []string `yaml:"channels"`
	SeverityFloor string   `yaml:"severityFloor"`
	AlertTypes    []string `yaml:"alertTypes"`
}

// Summary counts what Apply wrote
type Summary struct {
	Sources       int
	Exclusions    int
	Entities      int
	Users         int
	Subscriptions int
}

func (s Summary) String() string {
	return fmt.Sprintf("%d sources, %d exclusion terms, %d entities, %d users, %d subscriptions",
		s.Sources, s.Exclusions, s.Entities, s.Users, s.Subscriptions)
}

// Load reads and parses a seed file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes seed YAML, rejecting unknown keys
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}

// Apply upserts everything in f. Entries are keyed by natural keys so
// applying the same file twice leaves the store unchanged.
func Apply(ctx context.Context, db *database.DB, f *File) (*Summary, error) {
	sum := &Summary{}

	sourceIDs := make(map[string]int64, len(f.Sources))
	for _, s := range f.Sources {
		url := strings.TrimSpace(s.URL)
		if url == "" {
			return sum, fmt.Errorf("%w: source without url", database.ErrInvalidInput)
		}
		id, err := db.UpsertSource(ctx, model.Source{URL: url, Title: s.Title, Tags: s.Tags, IsActive: !s.Disabled})
		if err != nil {
			return sum, err
		}
		sourceIDs[url] = id
		sum.Sources++
	}

	for _, e := range f.Exclusions {
		var sourceID int64
		if e.Source != "" {
			id, ok := sourceIDs[strings.TrimSpace(e.Source)]
			if !ok {
				return sum, fmt.Errorf("%w: exclusion %q names unknown source %s", database.ErrInvalidInput, e.Term, e.Source)
			}
			sourceID = id
		}
		if err := db.AddExclusionTerm(ctx, sourceID, e.Term); err != nil {
			return sum, err
		}
		sum.Exclusions++
	}

	for _, e := range f.Entities {
		t, ok := model.ParseEntityType(e.Type)
		if !ok {
			return sum, fmt.Errorf("%w: entity %q has unknown type %q", database.ErrInvalidInput, e.Name, e.Type)
		}
		if _, err := db.UpsertEntity(ctx, model.Entity{
			Type:     t,
			Name:     e.Name,
			Aliases:  e.Aliases,
			Acronym:  e.Acronym,
			City:     e.City,
			Region:   e.Region,
			IsActive: !e.Disabled,
		}); err != nil {
			return sum, err
		}
		sum.Entities++
	}

	for _, u := range f.Users {
		userID, err := db.UpsertUser(ctx, model.User{Name: u.Name, Email: u.Email, Phone: u.Phone, DeviceToken: u.DeviceToken})
		if err != nil {
			return sum, err
		}
		sum.Users++

		for _, s := range u.Subscriptions {
			sub, err := toSubscription(ctx, db, userID, s)
			if err != nil {
				return sum, fmt.Errorf("user %s: %w", u.Name, err)
			}
			if _, err := db.UpsertSubscription(ctx, sub); err != nil {
				return sum, err
			}
			sum.Subscriptions++
		}
	}

	return sum, nil
}

func toSubscription(ctx context.Context, db *database.DB, userID int64, s SubscriptionSeed) (model.Subscription, error) {
	t, ok := model.ParseEntityType(s.EntityType)
	if !ok {
		return model.Subscription{}, fmt.Errorf("%w: subscription type %q", database.ErrInvalidInput, s.EntityType)
	}
	entityID, err := db.GetEntityID(ctx, t, s.Entity)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("subscription to %s %q: %w", t, s.Entity, err)
	}

	sub := model.Subscription{UserID: userID, EntityType: t, EntityID: entityID, IsActive: true}
	for _, ch := range s.Channels {
		switch model.Channel(strings.ToLower(strings.TrimSpace(ch))) {
		case model.ChannelEmail:
			sub.Channels.Email = true
		case model.ChannelSMS:
			sub.Channels.SMS = true
		case model.ChannelPush:
			sub.Channels.Push = true
		default:
			return model.Subscription{}, fmt.Errorf("%w: channel %q", database.ErrInvalidInput, ch)
		}
	}
	if s.SeverityFloor != "" {
		sev, ok := model.ParseSeverity(s.SeverityFloor)
		if !ok {
			return model.Subscription{}, fmt.Errorf("%w: severity %q", database.ErrInvalidInput, s.SeverityFloor)
		}
		sub.SeverityFloor = sev
	}
	for _, a := range s.AlertTypes {
		at, ok := model.ParseAlertType(a)
		if !ok {
			return model.Subscription{}, fmt.Errorf("%w: alert type %q", database.ErrInvalidInput, a)
		}
		sub.AlertTypes = append(sub.AlertTypes, at)
	}
	return sub, nil
}
