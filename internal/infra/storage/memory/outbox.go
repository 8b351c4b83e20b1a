package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	appoutbox "dealroom/internal/app/outbox"
	infraoutbox "dealroom/internal/infra/outbox"
)

// Outbox keeps events in memory and serves them to the relay worker the same
// way the Mongo store does.
type Outbox struct {
	mu   sync.Mutex
	docs map[string]*infraoutbox.EventDocument
	now  func() time.Time
}

func NewOutbox() *Outbox {
	return &Outbox{docs: make(map[string]*infraoutbox.EventDocument), now: time.Now}
}

func (o *Outbox) Add(ctx context.Context, record appoutbox.EventRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.docs[record.ID]; exists {
		return nil
	}
	headers := make(map[string]string, len(record.Headers))
	for k, v := range record.Headers {
		headers[k] = v
	}
	o.docs[record.ID] = &infraoutbox.EventDocument{
		ID:          record.ID,
		Name:        record.Name,
		Payload:     append([]byte(nil), record.Payload...),
		OccurredAt:  record.OccurredAt,
		Aggregate:   record.Aggregate,
		Headers:     headers,
		State:       infraoutbox.StateNew,
		NextAttempt: o.now().UTC(),
	}
	return nil
}

// Flush is a no-op; events stay until relayed.
func (o *Outbox) Flush(context.Context) error { return nil }

func (o *Outbox) Claim(ctx context.Context, workerID string) (*infraoutbox.EventDocument, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now().UTC()
	var due []*infraoutbox.EventDocument
	for _, d := range o.docs {
		if (d.State == infraoutbox.StateNew || d.State == infraoutbox.StateFailed) && !d.NextAttempt.After(now) {
			due = append(due, d)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].OccurredAt.Equal(due[j].OccurredAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].OccurredAt.Before(due[j].OccurredAt)
	})
	d := due[0]
	d.State = infraoutbox.StateClaimed
	d.ClaimedBy = workerID
	d.ClaimedAt = now
	out := *d
	return &out, nil
}

func (o *Outbox) MarkSent(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d, ok := o.docs[id]; ok {
		d.State = infraoutbox.StateSent
		d.SentAt = o.now().UTC()
	}
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, id string, next time.Time, errMsg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d, ok := o.docs[id]; ok {
		d.State = infraoutbox.StateFailed
		d.NextAttempt = next
		d.LastError = errMsg
		d.Attempts++
	}
	return nil
}

// Snapshot returns copies of all events, oldest first.
func (o *Outbox) Snapshot() []infraoutbox.EventDocument {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]infraoutbox.EventDocument, 0, len(o.docs))
	for _, d := range o.docs {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out
}

var (
	_ appoutbox.Outbox       = (*Outbox)(nil)
	_ infraoutbox.ClaimStore = (*Outbox)(nil)
)
