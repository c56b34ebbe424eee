// Package tracker records page analytics for a single page session: one page
// view, the first exposure and first click of the convert button, and the page
// leave. Events are batched in a queue and flushed on a size threshold, on a
// fixed interval and on unload.
//
// Signal handlers are serialized on one mutex, so each one runs to completion
// before the next starts. Normal uploads happen on their own goroutine; a
// failed upload comes back as a separate turn and puts its batch back at the
// front of the queue.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vincentbai/pagebeacon/internal/identity"
	"github.com/vincentbai/pagebeacon/internal/models"
	"github.com/vincentbai/pagebeacon/internal/queue"
	"github.com/vincentbai/pagebeacon/internal/telemetry"
	"github.com/vincentbai/pagebeacon/internal/transport"
)

const (
	DefaultFlushInterval  = 30 * time.Second
	DefaultFlushThreshold = 10
	// VisibilityThreshold is the visible fraction of the convert button that
	// counts as an exposure.
	VisibilityThreshold = 0.5
)

// Page describes the document being tracked.
type Page struct {
	URL            string
	Referrer       string
	UserAgent      string
	Language       string
	ScreenWidth    int
	ScreenHeight   int
	ViewportWidth  int
	ViewportHeight int
	// ConvertButtonID is empty when the page has no convert button; exposure
	// and click tracking then never activate.
	ConvertButtonID string
}

type Options struct {
	Page     Page
	Identity *identity.Provider
	Sender   transport.Sender
	Beacon   transport.Beaconer

	FlushInterval  time.Duration
	FlushThreshold int

	Clock   func() time.Time
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Summary is a debugging snapshot of the session.
type Summary struct {
	SessionID                string `json:"sessionId"`
	UserID                   string `json:"userId"`
	Duration                 int64  `json:"duration"`
	HasConvertButtonExposure bool   `json:"hasConvertButtonExposure"`
	HasConvertButtonClick    bool   `json:"hasConvertButtonClick"`
	EventsCount              int    `json:"eventsCount"`
}

type Tracker struct {
	page      Page
	sender    transport.Sender
	beacon    transport.Beaconer
	queue     *queue.Queue
	clock     func() time.Time
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	threshold int

	userID    string
	sessionID string
	startTime time.Time

	// sendCtx outlives Unload; a send that resolves afterwards is simply dropped.
	sendCtx  context.Context
	stopLoop context.CancelFunc
	sends    sync.WaitGroup

	mu              sync.Mutex
	exposureLatched bool
	exposureAt      time.Time
	clickLatched    bool
	unloaded        bool
}

// New resolves the session identity, records the page view and starts the
// periodic flush.
func New(ctx context.Context, opts Options) (*Tracker, error) {
	if opts.Sender == nil {
		return nil, errors.New("sender must not be nil")
	}
	if opts.Beacon == nil {
		return nil, errors.New("beacon must not be nil")
	}
	if opts.Page.URL == "" {
		return nil, errors.New("page url must not be empty")
	}
	interval := opts.FlushInterval
	if interval < 0 {
		return nil, fmt.Errorf("flush interval must be positive, got %s", interval)
	}
	if interval == 0 {
		interval = DefaultFlushInterval
	}
	threshold := opts.FlushThreshold
	if threshold < 0 {
		return nil, fmt.Errorf("flush threshold must be positive, got %d", threshold)
	}
	if threshold == 0 {
		threshold = DefaultFlushThreshold
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	provider := opts.Identity
	if provider == nil {
		provider = identity.NewProvider(identity.Options{Clock: clock, Logger: logger})
	}

	loopCtx, stop := context.WithCancel(ctx)
	t := &Tracker{
		page:      opts.Page,
		sender:    opts.Sender,
		beacon:    opts.Beacon,
		queue:     queue.New(),
		clock:     clock,
		logger:    logger.With("component", "tracker"),
		metrics:   opts.Metrics,
		threshold: threshold,
		userID:    provider.ResolveUserID(ctx),
		sessionID: provider.NewSessionID(),
		startTime: clock(),
		sendCtx:   context.WithoutCancel(ctx),
		stopLoop:  stop,
	}

	t.mu.Lock()
	t.record(t.startTime, models.PageView{
		URL:              t.page.URL,
		Referrer:         t.page.Referrer,
		UserAgent:        t.page.UserAgent,
		Language:         t.page.Language,
		ScreenResolution: fmt.Sprintf("%dx%d", t.page.ScreenWidth, t.page.ScreenHeight),
		ViewportSize:     fmt.Sprintf("%dx%d", t.page.ViewportWidth, t.page.ViewportHeight),
	})
	t.mu.Unlock()

	go t.run(loopCtx, interval)

	t.logger.InfoContext(ctx, "analytics initialized", "session_id", t.sessionID, "user_id", t.userID)
	return t, nil
}

func (t *Tracker) UserID() string    { return t.userID }
func (t *Tracker) SessionID() string { return t.sessionID }

// QueueLen reports how many events are waiting for delivery.
func (t *Tracker) QueueLen() int { return t.queue.Len() }

// Pending returns a copy of the queued events in delivery order.
func (t *Tracker) Pending() []models.Event { return t.queue.Events() }

func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Summary{
		SessionID:                t.sessionID,
		UserID:                   t.userID,
		Duration:                 t.sinceStart(t.clock()),
		HasConvertButtonExposure: t.exposureLatched,
		HasConvertButtonClick:    t.clickLatched,
		EventsCount:              t.queue.Len(),
	}
}

// Wait blocks until every normal-mode upload started so far has resolved.
func (t *Tracker) Wait() {
	t.sends.Wait()
}

func (t *Tracker) sinceStart(now time.Time) int64 {
	return max(now.Sub(t.startTime).Milliseconds(), 0)
}

// record appends an event and flushes once the threshold is reached. Callers
// hold t.mu.
func (t *Tracker) record(now time.Time, payload models.Payload) {
	event, err := models.NewEvent(now.UnixMilli(), t.sessionID, t.userID, payload)
	if err != nil {
		t.logger.Warn("event dropped", "type", payload.EventType(), "error", err)
		return
	}
	size := t.queue.Enqueue(event)
	t.metrics.EventEnqueued(t.sendCtx, string(event.Type))
	t.logger.Debug("event recorded", "type", event.Type, "queued", size)

	if size >= t.threshold && !t.unloaded {
		t.flushLocked(FlushNormal)
	}
}
