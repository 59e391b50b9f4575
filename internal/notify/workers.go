package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"breachscope/internal/model"
	"breachscope/internal/queue"
)

// DefaultConcurrency is the number of workers per channel
var DefaultConcurrency = map[model.Channel]int{
	model.ChannelEmail: 5,
	model.ChannelSMS:   3,
	model.ChannelPush:  5,
}

// ErrNoProvider marks a delivery to a channel nobody configured a provider for
var ErrNoProvider = errors.New("no provider configured")

// RecordStore is what the workers need from the database
type RecordStore interface {
	GetArticle(ctx context.Context, id int64) (*model.Article, error)
	AppendNotificationRecord(ctx context.Context, rec model.NotificationRecord) (int64, error)
}

// Workers consumes the broker with a bounded pool per channel
type Workers struct {
	broker       queue.Broker
	store        RecordStore
	providers    map[model.Channel]Provider
	concurrency  map[model.Channel]int
	pollInterval time.Duration
	logger       *log.Logger
	now          func() time.Time

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWorkers builds the pools. Channels missing from providers record every
// job as FAILED; callers that want a stand-in pass a LogProvider explicitly.
func NewWorkers(broker queue.Broker, store RecordStore, providers map[model.Channel]Provider, logger *log.Logger) *Workers {
	w := &Workers{
		broker:       broker,
		store:        store,
		providers:    make(map[model.Channel]Provider, len(model.AllChannels)),
		concurrency:  make(map[model.Channel]int, len(DefaultConcurrency)),
		pollInterval: time.Second,
		logger:       logger,
		now:          time.Now,
	}
	for ch, n := range DefaultConcurrency {
		w.concurrency[ch] = n
	}
	for _, ch := range model.AllChannels {
		if p, ok := providers[ch]; ok && p != nil {
			w.providers[ch] = p
		}
	}
	return w
}

// SetPollInterval changes how long an idle worker waits before claiming again
func (w *Workers) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// SetConcurrency overrides the pool size for one channel. Zero disables it.
func (w *Workers) SetConcurrency(ch model.Channel, n int) {
	if n >= 0 {
		w.concurrency[ch] = n
	}
}

// Start launches the worker pools. Channels are independent of each other.
func (w *Workers) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for _, ch := range model.AllChannels {
		for i := 0; i < w.concurrency[ch]; i++ {
			w.wg.Add(1)
			go w.loop(ctx, ch)
		}
		w.logger.Printf("Started %d %s workers", w.concurrency[ch], ch)
	}
}

// Stop cancels the pools and waits for in-flight deliveries to finish
func (w *Workers) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
	})
}

func (w *Workers) loop(ctx context.Context, ch model.Channel) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		for {
			if ctx.Err() != nil {
				return
			}
			processed, err := w.processNext(ctx, ch)
			if err != nil {
				w.logger.Printf("Error claiming %s job: %v", ch, err)
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce drains every due job of ch and returns how many were processed
func (w *Workers) RunOnce(ctx context.Context, ch model.Channel) (int, error) {
	n := 0
	for {
		processed, err := w.processNext(ctx, ch)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

func (w *Workers) processNext(ctx context.Context, ch model.Channel) (bool, error) {
	job, err := w.broker.Claim(ctx, ch)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	deliverErr := w.deliver(ctx, *job)

	// The outcome is written even when Stop cancelled ctx mid delivery,
	// otherwise the claimed job would never be recorded or removed.
	persistCtx := context.WithoutCancel(ctx)

	rec := model.NotificationRecord{
		JobID:     job.ID,
		UserID:    job.UserID,
		ArticleID: job.ArticleID,
		Channel:   job.Channel,
		Status:    model.StatusSent,
		SentAt:    w.now().UTC(),
	}
	if deliverErr != nil {
		rec.Status = model.StatusFailed
		rec.Error = deliverErr.Error()
		w.logger.Printf("Failed %s delivery to user %d (article %d): %v", ch, job.UserID, job.ArticleID, deliverErr)
	}
	if _, err := w.store.AppendNotificationRecord(persistCtx, rec); err != nil {
		w.logger.Printf("Error recording %s delivery %s: %v", ch, job.ID, err)
	}
	if err := w.broker.Complete(persistCtx, job.ID); err != nil {
		w.logger.Printf("Error completing job %s: %v", job.ID, err)
	}
	return true, nil
}

func (w *Workers) deliver(ctx context.Context, job model.NotificationJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()

	article, err := w.store.GetArticle(ctx, job.ArticleID)
	if err != nil {
		return fmt.Errorf("load article %d: %w", job.ArticleID, err)
	}
	provider := w.providers[job.Channel]
	if provider == nil {
		return fmt.Errorf("%w for channel %s", ErrNoProvider, job.Channel)
	}
	return provider.Send(ctx, job.Address, Render(*article))
}
