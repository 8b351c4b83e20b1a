package daterange

import (
	"errors"
	"time"
)

var (
	ErrInvalidWindow = errors.New("daterange: window end must not be before start")
)

// Window is a closed interval [From, To]. A zero bound leaves that side open.
type Window struct {
	From time.Time
	To   time.Time
}

func New(from, to time.Time) (Window, error) {
	w := Window{From: from.UTC(), To: to.UTC()}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// LastDays returns the window covering the d days ending at now.
func LastDays(now time.Time, d int) Window {
	now = now.UTC()
	return Window{From: now.AddDate(0, 0, -d), To: now}
}

func (w Window) Validate() error {
	if w.From.IsZero() || w.To.IsZero() {
		return nil
	}
	if w.To.Before(w.From) {
		return ErrInvalidWindow
	}
	return nil
}

// NotBeforeStart reports whether t satisfies the lower bound. Both bounds are
// inclusive and monotonic in t, so sorted slices can be bisected with them.
func (w Window) NotBeforeStart(t time.Time) bool {
	return w.From.IsZero() || !t.Before(w.From)
}

func (w Window) NotAfterEnd(t time.Time) bool {
	return w.To.IsZero() || !t.After(w.To)
}

