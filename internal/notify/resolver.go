// Package notify turns classified articles into per-channel delivery jobs and
// runs the workers that deliver them.
package notify

import (
	"context"
	"fmt"
	"log"

	"breachscope/internal/model"
)

// SubscriptionStore loads active subscriptions for entity keys
type SubscriptionStore interface {
	GetActiveSubscriptionsFor(ctx context.Context, keys []model.EntityKey) ([]model.Subscription, error)
}

// Resolver finds the subscriptions an article should be delivered to
type Resolver struct {
	store  SubscriptionStore
	logger *log.Logger
}

func NewResolver(store SubscriptionStore, logger *log.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve returns the admitted subscriptions for the matched entities. A user
// subscribed to several matched entities is returned once, with the channels
// of all their admitted subscriptions combined.
func (r *Resolver) Resolve(ctx context.Context, matches []model.Match, article model.Article) ([]model.Subscription, error) {
	keys := make([]model.EntityKey, 0, len(matches))
	seen := make(map[model.EntityKey]bool, len(matches))
	for _, m := range matches {
		k := m.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	subs, err := r.store.GetActiveSubscriptionsFor(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("error loading subscriptions: %w", err)
	}

	var admitted []model.Subscription
	byUser := make(map[int64]int)
	for _, s := range subs {
		if len(s.UnknownAlertTypes) > 0 {
			r.logger.Printf("Subscription %d has unknown alert types %q", s.ID, s.UnknownAlertTypes)
		}
		if !s.IsActive || !s.AdmitsAlertType(article.AlertType) || !s.AdmitsSeverity(article.Severity) {
			continue
		}
		if i, ok := byUser[s.UserID]; ok {
			admitted[i].Channels.Email = admitted[i].Channels.Email || s.Channels.Email
			admitted[i].Channels.SMS = admitted[i].Channels.SMS || s.Channels.SMS
			admitted[i].Channels.Push = admitted[i].Channels.Push || s.Channels.Push
			continue
		}
		byUser[s.UserID] = len(admitted)
		admitted = append(admitted, s)
	}
	return admitted, nil
}
