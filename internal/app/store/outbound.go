package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"dealroom/internal/app/delivery"
	"dealroom/internal/domain/messages"
)

// Outbound tracks one asynchronous publish. It can be cancelled until the
// envelope is handed to the channel; afterwards only the result remains.
type Outbound struct {
	EnvelopeID     string
	ConversationID string

	done      chan struct{}
	mu        sync.Mutex
	handedOff bool
	cancelled bool
	finished  bool
	receipt   delivery.Receipt
	err       error
}

func newOutbound(env delivery.Envelope) *Outbound {
	return &Outbound{EnvelopeID: env.ID, ConversationID: env.ConversationID, done: make(chan struct{})}
}

func (o *Outbound) Done() <-chan struct{} { return o.done }

// Result reports the outcome. It is only meaningful once Done is closed.
func (o *Outbound) Result() (delivery.Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.receipt, o.err
}

// Wait blocks until the publish settles or ctx ends.
func (o *Outbound) Wait(ctx context.Context) (delivery.Receipt, error) {
	select {
	case <-o.done:
		return o.Result()
	case <-ctx.Done():
		return delivery.Receipt{}, ctx.Err()
	}
}

// Cancel aborts the publish if it has not reached the channel yet.
func (o *Outbound) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handedOff || o.finished {
		return false
	}
	o.cancelled = true
	return true
}

func (o *Outbound) handoff() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelled {
		return false
	}
	o.handedOff = true
	return true
}

func (o *Outbound) finish(receipt delivery.Receipt, err error) {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	o.finished = true
	o.receipt = receipt
	o.err = err
	o.mu.Unlock()
	close(o.done)
}

type job struct {
	env delivery.Envelope
	out *Outbound
}

// dispatcher runs publishes on a fixed worker pool. Enqueue never blocks.
// Envelopes of one conversation are published one at a time in enqueue
// order; distinct conversations publish in parallel.
type dispatcher struct {
	s      *Store
	mu     sync.Mutex
	queue  []*job
	busy   map[string]bool
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDispatcher(s *Store, workers int) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &dispatcher{s: s, busy: make(map[string]bool), wake: make(chan struct{}, 1), ctx: ctx, cancel: cancel}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.loop()
	}
	return d
}

func (d *dispatcher) enqueue(env delivery.Envelope) *Outbound {
	out := newOutbound(env)
	d.mu.Lock()
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		out.finish(delivery.Receipt{}, ErrClosed)
		return out
	}
	d.queue = append(d.queue, &job{env: env, out: out})
	d.mu.Unlock()
	d.signal()
	return out
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// next takes the oldest job whose conversation has no publish in flight.
func (d *dispatcher) next() *job {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, j := range d.queue {
		if d.busy[j.env.ConversationID] {
			continue
		}
		d.queue = slices.Delete(d.queue, i, i+1)
		d.busy[j.env.ConversationID] = true
		if len(d.queue) > 0 {
			d.signal()
		}
		return j
	}
	return nil
}

func (d *dispatcher) release(j *job) {
	d.mu.Lock()
	delete(d.busy, j.env.ConversationID)
	pending := len(d.queue) > 0
	d.mu.Unlock()
	if pending {
		d.signal()
	}
}

func (d *dispatcher) loop() {
	defer d.wg.Done()
	for {
		if d.ctx.Err() != nil {
			return
		}
		if j := d.next(); j != nil {
			d.run(j)
			d.release(j)
			continue
		}
		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
		}
	}
}

func (d *dispatcher) stop() {
	d.cancel()
	d.wg.Wait()
	d.mu.Lock()
	pending := d.queue
	d.queue = nil
	d.mu.Unlock()
	for _, j := range pending {
		j.out.finish(delivery.Receipt{}, ErrClosed)
	}
}

func (d *dispatcher) run(j *job) {
	s := d.s
	backoff := s.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		if !j.out.handoff() {
			s.publishSettled(j.env, messages.DeliveryFailed)
			j.out.finish(delivery.Receipt{}, ErrSendCancelled)
			return
		}
		ctx, cancel := context.WithTimeout(d.ctx, s.cfg.PublishTimeout)
		receipt, err := s.channel.Publish(ctx, j.env)
		cancel()
		if err == nil {
			if receipt.EnvelopeID == "" {
				receipt.EnvelopeID = j.env.ID
			}
			s.publishSettled(j.env, messages.DeliverySent)
			j.out.finish(receipt, nil)
			return
		}
		if d.ctx.Err() != nil {
			s.publishSettled(j.env, messages.DeliveryFailed)
			j.out.finish(delivery.Receipt{}, ErrClosed)
			return
		}
		if attempt >= len(backoff) {
			s.logger.Error("publish failed", "envelope_id", j.env.ID, "conversation_id", j.env.ConversationID, "attempts", attempt+1, "error", err)
			s.publishSettled(j.env, messages.DeliveryFailed)
			j.out.finish(delivery.Receipt{}, fmt.Errorf("%w: %v", ErrDeliveryFailure, err))
			return
		}
		s.logger.Warn("publish failed, retrying", "envelope_id", j.env.ID, "attempt", attempt+1, "backoff", backoff[attempt], "error", err)
		timer := time.NewTimer(backoff[attempt])
		select {
		case <-d.ctx.Done():
			timer.Stop()
			s.publishSettled(j.env, messages.DeliveryFailed)
			j.out.finish(delivery.Receipt{}, ErrClosed)
			return
		case <-timer.C:
		}
	}
}
