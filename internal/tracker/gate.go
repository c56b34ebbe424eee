package tracker

import (
	"github.com/vincentbai/pagebeacon/internal/models"
)

// ObserveIntersection feeds an intersection-observer style visibility ratio
// for the convert button.
func (t *Tracker) ObserveIntersection(ratio float64) {
	if ratio >= VisibilityThreshold {
		t.ButtonVisible()
	}
}

// ButtonVisible records the first exposure of the convert button. Later calls
// are no-ops for the rest of the session.
func (t *Tracker) ButtonVisible() {
	if t.page.ConvertButtonID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unloaded || t.exposureLatched {
		return
	}
	now := t.clock()
	t.exposureLatched = true
	t.exposureAt = now
	t.record(now, models.ButtonExposure{TimeFromPageLoad: t.sinceStart(now)})
}

// ButtonClick records the first click on the convert button. A click without
// a recorded exposure is valid and carries a null time-from-exposure.
func (t *Tracker) ButtonClick() {
	if t.page.ConvertButtonID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unloaded || t.clickLatched {
		return
	}
	now := t.clock()
	t.clickLatched = true

	var fromExposure *int64
	if t.exposureLatched {
		delta := max(now.Sub(t.exposureAt).Milliseconds(), 0)
		fromExposure = &delta
	}
	t.record(now, models.ButtonClick{
		TimeFromPageLoad: t.sinceStart(now),
		TimeFromExposure: fromExposure,
	})
}
