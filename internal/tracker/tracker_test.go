package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/pagebeacon/internal/identity"
	"github.com/vincentbai/pagebeacon/internal/models"
)

type fakeSender struct {
	mu      sync.Mutex
	fail    bool
	batches []models.Batch
}

func (f *fakeSender) Send(_ context.Context, batch models.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	if f.fail {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeSender) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeSender) sent() []models.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Batch(nil), f.batches...)
}

type fakeBeacon struct {
	mu      sync.Mutex
	batches []models.Batch
}

func (f *fakeBeacon) Beacon(batch models.Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
}

func (f *fakeBeacon) sent() []models.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Batch(nil), f.batches...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1700000000000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testPage = Page{
	URL:             "https://example.com/convert",
	Referrer:        "https://search.example/",
	UserAgent:       "test-agent/1.0",
	Language:        "en-US",
	ScreenWidth:     1920,
	ScreenHeight:    1080,
	ViewportWidth:   1280,
	ViewportHeight:  720,
	ConvertButtonID: "convertBtn",
}

type harness struct {
	tracker *Tracker
	sender  *fakeSender
	beacon  *fakeBeacon
	clock   *fakeClock
	store   *identity.MemoryStore
}

func newHarness(t *testing.T, page Page) *harness {
	t.Helper()
	return newHarnessWithStore(t, page, identity.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, page Page, store *identity.MemoryStore) *harness {
	t.Helper()
	h := &harness{
		sender: &fakeSender{},
		beacon: &fakeBeacon{},
		clock:  newFakeClock(),
		store:  store,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr, err := New(context.Background(), Options{
		Page:          page,
		Identity:      identity.NewProvider(identity.Options{Store: h.store, Clock: h.clock.Now, Logger: logger}),
		Sender:        h.sender,
		Beacon:        h.beacon,
		FlushInterval: time.Hour,
		Clock:         h.clock.Now,
		Logger:        logger,
	})
	require.NoError(t, err)
	h.tracker = tr
	t.Cleanup(func() {
		tr.Unload()
		tr.Wait()
	})
	return h
}

func countType(events []models.Event, eventType models.EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func TestNewRecordsPageView(t *testing.T) {
	h := newHarness(t, testPage)

	pending := h.tracker.Pending()
	require.Len(t, pending, 1)
	view, ok := pending[0].Payload.(models.PageView)
	require.True(t, ok)
	assert.Equal(t, models.TypePageView, pending[0].Type)
	assert.Equal(t, "1920x1080", view.ScreenResolution)
	assert.Equal(t, "1280x720", view.ViewportSize)
	assert.Equal(t, "en-US", view.Language)
	assert.Equal(t, h.tracker.SessionID(), pending[0].SessionID)
	assert.Equal(t, h.tracker.UserID(), pending[0].UserID)
}

func TestNewValidatesOptions(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, Options{Page: testPage, Beacon: &fakeBeacon{}})
	assert.Error(t, err)
	_, err = New(ctx, Options{Page: testPage, Sender: &fakeSender{}})
	assert.Error(t, err)
	_, err = New(ctx, Options{Page: Page{}, Sender: &fakeSender{}, Beacon: &fakeBeacon{}})
	assert.Error(t, err)
	_, err = New(ctx, Options{Page: testPage, Sender: &fakeSender{}, Beacon: &fakeBeacon{}, FlushThreshold: -1})
	assert.Error(t, err)
}

func TestUserIDStableAcrossSessions(t *testing.T) {
	first := newHarness(t, testPage)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	second, err := New(context.Background(), Options{
		Page:          testPage,
		Identity:      identity.NewProvider(identity.Options{Store: first.store, Logger: logger}),
		Sender:        &fakeSender{},
		Beacon:        &fakeBeacon{},
		FlushInterval: time.Hour,
		Logger:        logger,
	})
	require.NoError(t, err)
	defer second.Unload()

	assert.Equal(t, first.tracker.UserID(), second.UserID())
	assert.NotEqual(t, first.tracker.SessionID(), second.SessionID())
}

func TestExposureIsLatched(t *testing.T) {
	h := newHarness(t, testPage)

	h.clock.Advance(1500 * time.Millisecond)
	h.tracker.ObserveIntersection(0.2)
	assert.Equal(t, 0, countType(h.tracker.Pending(), models.TypeButtonExposure))

	h.tracker.ObserveIntersection(0.75)
	h.tracker.ButtonVisible()
	h.tracker.ObserveIntersection(1)

	pending := h.tracker.Pending()
	require.Equal(t, 1, countType(pending, models.TypeButtonExposure))
	exposure := pending[1].Payload.(models.ButtonExposure)
	assert.Equal(t, int64(1500), exposure.TimeFromPageLoad)
	assert.True(t, h.tracker.Summary().HasConvertButtonExposure)
}

func TestClickIsLatchedAndMeasuresFromExposure(t *testing.T) {
	h := newHarness(t, testPage)

	h.clock.Advance(time.Second)
	h.tracker.ButtonVisible()
	h.clock.Advance(2 * time.Second)
	h.tracker.ButtonClick()
	h.tracker.ButtonClick()

	pending := h.tracker.Pending()
	require.Equal(t, 1, countType(pending, models.TypeButtonClick))
	click := pending[2].Payload.(models.ButtonClick)
	assert.Equal(t, int64(3000), click.TimeFromPageLoad)
	require.NotNil(t, click.TimeFromExposure)
	assert.Equal(t, int64(2000), *click.TimeFromExposure)
}

func TestClickWithoutExposure(t *testing.T) {
	h := newHarness(t, testPage)

	h.tracker.ButtonClick()

	pending := h.tracker.Pending()
	require.Len(t, pending, 2)
	click := pending[1].Payload.(models.ButtonClick)
	assert.Nil(t, click.TimeFromExposure)
}

func TestClickMeasuresFromExposureAfterFlush(t *testing.T) {
	h := newHarness(t, testPage)

	h.tracker.ButtonVisible()
	h.tracker.Flush(FlushNormal)
	h.tracker.Wait()
	h.clock.Advance(400 * time.Millisecond)
	h.tracker.ButtonClick()

	pending := h.tracker.Pending()
	require.Len(t, pending, 1)
	click := pending[0].Payload.(models.ButtonClick)
	require.NotNil(t, click.TimeFromExposure)
	assert.Equal(t, int64(400), *click.TimeFromExposure)
}

func TestMissingButtonDisablesGate(t *testing.T) {
	page := testPage
	page.ConvertButtonID = ""
	h := newHarness(t, page)

	h.tracker.ButtonVisible()
	h.tracker.ButtonClick()

	assert.Equal(t, 1, h.tracker.QueueLen())
	summary := h.tracker.Summary()
	assert.False(t, summary.HasConvertButtonExposure)
	assert.False(t, summary.HasConvertButtonClick)
}

func TestFlushEmptyQueueIsNoop(t *testing.T) {
	h := newHarness(t, testPage)

	h.tracker.Flush(FlushNormal)
	h.tracker.Wait()
	require.Len(t, h.sender.sent(), 1)

	h.tracker.Flush(FlushNormal)
	h.tracker.Wait()
	assert.Len(t, h.sender.sent(), 1)
}

func TestFlushSendsMeta(t *testing.T) {
	h := newHarness(t, testPage)
	h.clock.Advance(5 * time.Second)

	h.tracker.Flush(FlushNormal)
	h.tracker.Wait()

	sent := h.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testPage.URL, sent[0].Meta.URL)
	assert.Equal(t, testPage.UserAgent, sent[0].Meta.UserAgent)
	assert.Equal(t, h.clock.Now().UnixMilli(), sent[0].Meta.Timestamp)
	assert.Equal(t, 0, h.tracker.QueueLen())
}

func TestFailedFlushRequeuesAheadOfNewEvents(t *testing.T) {
	h := newHarness(t, testPage)
	h.sender.setFail(true)

	h.tracker.Flush(FlushNormal)
	h.tracker.ButtonVisible()
	h.tracker.Wait()

	pending := h.tracker.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, models.TypePageView, pending[0].Type)
	assert.Equal(t, models.TypeButtonExposure, pending[1].Type)

	h.sender.setFail(false)
	h.tracker.Flush(FlushNormal)
	h.tracker.Wait()
	assert.Equal(t, 0, h.tracker.QueueLen())

	sent := h.sender.sent()
	require.Len(t, sent, 2)
	assert.Len(t, sent[1].Events, 2)
}

func TestThresholdFlush(t *testing.T) {
	h := newHarness(t, testPage)

	// page view is event 1
	for i := 0; i < DefaultFlushThreshold-2; i++ {
		h.recordView(t)
	}
	assert.Equal(t, DefaultFlushThreshold-1, h.tracker.QueueLen())
	assert.Empty(t, h.sender.sent())

	h.recordView(t)
	assert.Equal(t, 0, h.tracker.QueueLen())
	h.tracker.Wait()

	sent := h.sender.sent()
	require.Len(t, sent, 1)
	assert.Len(t, sent[0].Events, DefaultFlushThreshold)
}

func (h *harness) recordView(t *testing.T) {
	t.Helper()
	h.tracker.mu.Lock()
	defer h.tracker.mu.Unlock()
	h.tracker.record(h.clock.Now(), models.PageView{URL: testPage.URL})
}

// init, exposure, click, then unrelated events up to ten: the automatic flush
// fails and all ten come back in order.
func TestThresholdFlushFailureScenario(t *testing.T) {
	h := newHarness(t, testPage)
	h.sender.setFail(true)

	h.clock.Advance(time.Second)
	h.tracker.ButtonVisible()
	h.clock.Advance(250 * time.Millisecond)
	h.tracker.ButtonClick()
	for h.tracker.QueueLen() < DefaultFlushThreshold-1 {
		h.clock.Advance(time.Millisecond)
		h.recordView(t)
	}
	before := h.tracker.Pending()

	h.clock.Advance(time.Millisecond)
	h.recordView(t)
	assert.Equal(t, 0, h.tracker.QueueLen())
	h.tracker.Wait()

	after := h.tracker.Pending()
	require.Len(t, after, DefaultFlushThreshold)
	for i, event := range before {
		assert.Equal(t, event.Timestamp, after[i].Timestamp)
		assert.Equal(t, event.Type, after[i].Type)
	}
	assert.Equal(t, models.TypeButtonExposure, after[1].Type)
	click := after[2].Payload.(models.ButtonClick)
	require.NotNil(t, click.TimeFromExposure)
	assert.Equal(t, int64(250), *click.TimeFromExposure)
}

func TestUnloadSendsPageLeaveThroughBeacon(t *testing.T) {
	h := newHarness(t, testPage)

	h.tracker.ButtonVisible()
	h.tracker.ButtonClick()
	h.clock.Advance(42 * time.Second)
	h.tracker.Unload()

	assert.Empty(t, h.sender.sent())
	beacons := h.beacon.sent()
	require.Len(t, beacons, 1)
	events := beacons[0].Events
	require.Len(t, events, 4)
	last := events[3]
	assert.Equal(t, models.TypePageLeave, last.Type)
	leave := last.Payload.(models.PageLeave)
	assert.Equal(t, int64(42000), leave.Duration)
	assert.True(t, leave.HasClickedConvert)
	assert.Equal(t, 0, h.tracker.QueueLen())
}

func TestEmptyStoredUserIDStillDeliversSession(t *testing.T) {
	store := identity.NewMemoryStore()
	_, err := store.SetIfAbsent(context.Background(), identity.UserIDKey, "")
	require.NoError(t, err)
	h := newHarnessWithStore(t, testPage, store)
	require.NotEmpty(t, h.tracker.UserID())

	h.tracker.ButtonVisible()
	h.tracker.ButtonClick()
	h.tracker.Unload()

	beacons := h.beacon.sent()
	require.Len(t, beacons, 1)
	events := beacons[0].Events
	require.Len(t, events, 4)
	for i, want := range []models.EventType{
		models.TypePageView,
		models.TypeButtonExposure,
		models.TypeButtonClick,
		models.TypePageLeave,
	} {
		assert.Equal(t, want, events[i].Type)
		assert.Equal(t, h.tracker.UserID(), events[i].UserID)
	}
}

func TestUnloadWithoutClick(t *testing.T) {
	h := newHarness(t, testPage)
	h.tracker.Unload()

	beacons := h.beacon.sent()
	require.Len(t, beacons, 1)
	leave := beacons[0].Events[len(beacons[0].Events)-1].Payload.(models.PageLeave)
	assert.False(t, leave.HasClickedConvert)
}

func TestUnloadAtThresholdStillUsesBeacon(t *testing.T) {
	h := newHarness(t, testPage)
	for h.tracker.QueueLen() < DefaultFlushThreshold-1 {
		h.recordView(t)
	}

	h.tracker.Unload()
	h.tracker.Wait()

	assert.Empty(t, h.sender.sent())
	beacons := h.beacon.sent()
	require.Len(t, beacons, 1)
	assert.Len(t, beacons[0].Events, DefaultFlushThreshold)
}

func TestUnloadIsIdempotentAndStopsSignals(t *testing.T) {
	h := newHarness(t, testPage)
	h.tracker.Unload()
	h.tracker.Unload()
	h.tracker.ButtonVisible()
	h.tracker.ButtonClick()

	assert.Len(t, h.beacon.sent(), 1)
	assert.Equal(t, 0, h.tracker.QueueLen())
}

type blockingSender struct {
	release chan struct{}
}

func (b *blockingSender) Send(ctx context.Context, _ models.Batch) error {
	<-b.release
	return errors.New("timeout")
}

func TestFailureAfterUnloadDropsBatch(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	beacon := &fakeBeacon{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr, err := New(context.Background(), Options{
		Page:          testPage,
		Sender:        sender,
		Beacon:        beacon,
		FlushInterval: time.Hour,
		Logger:        logger,
	})
	require.NoError(t, err)

	tr.Flush(FlushNormal)
	tr.Unload()
	close(sender.release)
	tr.Wait()

	assert.Equal(t, 0, tr.QueueLen())
	beacons := beacon.sent()
	require.Len(t, beacons, 1)
	require.Len(t, beacons[0].Events, 1)
	assert.Equal(t, models.TypePageLeave, beacons[0].Events[0].Type)
}

func TestPeriodicFlush(t *testing.T) {
	sender := &fakeSender{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr, err := New(context.Background(), Options{
		Page:          testPage,
		Sender:        sender,
		Beacon:        &fakeBeacon{},
		FlushInterval: 10 * time.Millisecond,
		Logger:        logger,
	})
	require.NoError(t, err)
	defer tr.Unload()

	require.Eventually(t, func() bool {
		return len(sender.sent()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tr.QueueLen())
}

func TestSummary(t *testing.T) {
	h := newHarness(t, testPage)
	h.tracker.ButtonVisible()
	h.clock.Advance(3 * time.Second)

	summary := h.tracker.Summary()
	assert.Equal(t, h.tracker.SessionID(), summary.SessionID)
	assert.Equal(t, h.tracker.UserID(), summary.UserID)
	assert.Equal(t, int64(3000), summary.Duration)
	assert.True(t, summary.HasConvertButtonExposure)
	assert.False(t, summary.HasConvertButtonClick)
	assert.Equal(t, 2, summary.EventsCount)
}

func TestFlushModeString(t *testing.T) {
	assert.Equal(t, "normal", FlushNormal.String())
	assert.Equal(t, "unload", FlushUnload.String())
	assert.Equal(t, "unknown", FlushMode(7).String())
}
