package tracker

import (
	"context"
	"time"

	"github.com/vincentbai/pagebeacon/internal/models"
	"github.com/vincentbai/pagebeacon/internal/queue"
)

type FlushMode int

const (
	// FlushNormal uploads asynchronously and requeues the batch on failure.
	FlushNormal FlushMode = iota
	// FlushUnload hands the batch to the beacon with no feedback.
	FlushUnload
)

func (m FlushMode) String() string {
	switch m {
	case FlushNormal:
		return "normal"
	case FlushUnload:
		return "unload"
	default:
		return "unknown"
	}
}

// Flush drains the queue and delivers it. It never blocks on the network.
func (t *Tracker) Flush(mode FlushMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushLocked(mode)
}

func (t *Tracker) flushLocked(mode FlushMode) {
	snapshot := t.queue.Drain()
	if snapshot.Len() == 0 {
		return
	}
	now := t.clock()
	batch := models.Batch{
		Events: snapshot.Events(),
		Meta: models.Meta{
			Timestamp: now.UnixMilli(),
			UserAgent: t.page.UserAgent,
			URL:       t.page.URL,
		},
	}
	t.metrics.Flushed(t.sendCtx, mode.String())
	t.logger.Debug("sending events", "mode", mode.String(), "events", snapshot.Len())

	if mode == FlushUnload {
		t.beacon.Beacon(batch)
		return
	}
	t.sends.Add(1)
	go t.send(snapshot, batch)
}

func (t *Tracker) send(snapshot queue.Snapshot, batch models.Batch) {
	defer t.sends.Done()
	err := t.sender.Send(t.sendCtx, batch)
	if err == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unloaded {
		t.metrics.DeliveryFailed(t.sendCtx, snapshot.Len(), false)
		t.logger.Warn("event upload failed after unload, dropping batch", "events", snapshot.Len(), "error", err)
		return
	}
	t.queue.RequeueFront(snapshot)
	t.metrics.DeliveryFailed(t.sendCtx, snapshot.Len(), true)
	t.logger.Warn("event upload failed, requeued", "events", snapshot.Len(), "queued", t.queue.Len(), "error", err)
}

// Unload records the page leave and sends everything still queued through the
// beacon. It also stops the periodic flush; later signals are ignored.
func (t *Tracker) Unload() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unloaded {
		return
	}
	t.unloaded = true
	t.stopLoop()

	now := t.clock()
	t.record(now, models.PageLeave{
		Duration:          t.sinceStart(now),
		HasClickedConvert: t.clickLatched,
	})
	t.flushLocked(FlushUnload)
}

func (t *Tracker) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Flush(FlushNormal)
		}
	}
}
