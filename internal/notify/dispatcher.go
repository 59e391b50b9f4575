package notify

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"breachscope/internal/model"
	"breachscope/internal/queue"
)

// Priority returns the queue priority and enqueue delay of an alert type.
// Delays let higher priority jobs reach the channel queues first.
func Priority(alert model.AlertType) (int, time.Duration) {
	switch alert {
	case model.AlertConfirmedBreach:
		return 10, 0
	case model.AlertIncident:
		return 5, time.Second
	default:
		return 1, 2 * time.Second
	}
}

// Dispatcher fans an article out into one job per subscriber channel
type Dispatcher struct {
	broker queue.Broker
	logger *log.Logger
	newID  func() string
}

func NewDispatcher(broker queue.Broker, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		broker: broker,
		logger: logger,
		newID:  func() string { return uuid.NewString() },
	}
}

// Mode reports the broker mode, durable or noop
func (d *Dispatcher) Mode() string {
	return d.broker.Mode()
}

// Dispatch enqueues a job for every enabled channel that has a delivery
// address. Channels without an address are skipped on their own, and an
// enqueue failure is logged without stopping the remaining jobs.
func (d *Dispatcher) Dispatch(ctx context.Context, article model.Article, subs []model.Subscription) []model.NotificationJob {
	priority, delay := Priority(article.AlertType)

	var jobs []model.NotificationJob
	for _, s := range subs {
		for _, ch := range model.AllChannels {
			if !s.Channels.Enabled(ch) {
				continue
			}
			address := s.User.Address(ch)
			if address == "" {
				continue
			}

			job := model.NotificationJob{
				ID:        d.newID(),
				UserID:    s.UserID,
				ArticleID: article.ID,
				Channel:   ch,
				Address:   address,
				Priority:  priority,
				Delay:     delay,
			}
			if err := d.broker.Enqueue(ctx, job); err != nil {
				d.logger.Printf("Error enqueuing %s job for user %d (article %d): %v", ch, s.UserID, article.ID, err)
				continue
			}
			jobs = append(jobs, job)
		}
	}

	if len(jobs) > 0 {
		d.logger.Printf("Dispatched %d jobs for article %d (%s, priority %d)", len(jobs), article.ID, article.AlertType, priority)
	}
	return jobs
}
