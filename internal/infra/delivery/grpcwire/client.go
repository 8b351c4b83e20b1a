package grpcwire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"dealroom/internal/app/delivery"
)

// Dial opens a lazy client connection to the relay.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codec{}.Name())),
	)
	if err != nil {
		return nil, fmt.Errorf("grpcwire: dial %s: %w", addr, err)
	}
	return conn, nil
}

// Channel is a delivery channel backed by a remote relay.
type Channel struct {
	Conn grpc.ClientConnInterface
	// NodeID is reported to the relay for logging.
	NodeID      string
	CallTimeout time.Duration
	// Backoff is the pause before a dropped subscription stream reconnects.
	Backoff time.Duration
	Logger  *slog.Logger
}

func (c *Channel) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Channel) callTimeout() time.Duration {
	if c.CallTimeout <= 0 {
		return 5 * time.Second
	}
	return c.CallTimeout
}

func (c *Channel) Publish(ctx context.Context, env delivery.Envelope) (delivery.Receipt, error) {
	data, err := delivery.Marshal(env)
	if err != nil {
		return delivery.Receipt{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout())
	defer cancel()
	var reply PublishReply
	if err := c.Conn.Invoke(ctx, publishMethod, &Frame{Data: data}, &reply, grpc.CallContentSubtype(codec{}.Name())); err != nil {
		return delivery.Receipt{}, fromStatus(err)
	}
	return delivery.Receipt{EnvelopeID: reply.EnvelopeID, AcceptedAt: reply.AcceptedAt, Position: reply.Position}, nil
}

// Subscribe returns once the relay confirms the subscription. A dropped
// stream is reopened until the subscription is closed.
func (c *Channel) Subscribe(ctx context.Context, conversationID string, h delivery.Handler) (delivery.Subscription, error) {
	if h == nil {
		return nil, errors.New("grpcwire: nil handler")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req := &SubscribeRequest{ConversationID: conversationID, Subscriber: c.NodeID}
	stream, stop, err := c.open(runCtx, ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for {
			err := c.pump(runCtx, stream, h)
			stop()
			if runCtx.Err() != nil {
				return
			}
			c.logger().Warn("relay stream dropped", "conversation_id", conversationID, "error", err)
			for {
				select {
				case <-runCtx.Done():
					return
				case <-time.After(c.backoff()):
				}
				stream, stop, err = c.open(runCtx, runCtx, req)
				if err == nil {
					break
				}
				c.logger().Warn("relay resubscribe failed", "error", err)
			}
		}
	}()
	return sub, nil
}

func (c *Channel) backoff() time.Duration {
	if c.Backoff <= 0 {
		return time.Second
	}
	return c.Backoff
}

// open starts a stream under parent and waits for the ready frame within
// waitCtx and the call timeout. stop releases the stream.
func (c *Channel) open(parent, waitCtx context.Context, req *SubscribeRequest) (stream grpc.ClientStream, stop context.CancelFunc, err error) {
	streamCtx, release := context.WithCancel(parent)
	defer func() {
		if err != nil {
			release()
		}
	}()
	desc := &relayServiceDesc.Streams[0]
	stream, err = c.Conn.NewStream(streamCtx, desc, subscribeMethod, grpc.CallContentSubtype(codec{}.Name()))
	if err != nil {
		return nil, nil, fromStatus(err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, nil, fromStatus(err)
	}
	ready := make(chan error, 1)
	go func() {
		var f Frame
		if err := stream.RecvMsg(&f); err != nil {
			ready <- err
			return
		}
		if !f.Ready {
			ready <- errors.New("grpcwire: relay skipped ready frame")
			return
		}
		ready <- nil
	}()
	timer := time.NewTimer(c.callTimeout())
	defer timer.Stop()
	select {
	case err = <-ready:
		if err != nil {
			return nil, nil, fromStatus(err)
		}
		return stream, release, nil
	case <-waitCtx.Done():
		err = waitCtx.Err()
		return nil, nil, err
	case <-timer.C:
		err = fmt.Errorf("%w: relay did not confirm subscription", delivery.ErrUnavailable)
		return nil, nil, err
	}
}

func (c *Channel) pump(ctx context.Context, stream grpc.ClientStream, h delivery.Handler) error {
	for {
		var f Frame
		if err := stream.RecvMsg(&f); err != nil {
			return err
		}
		if len(f.Data) == 0 {
			continue
		}
		env, err := delivery.Unmarshal(f.Data)
		if err != nil {
			c.logger().Warn("dropping unreadable envelope from relay", "error", err)
			continue
		}
		if err := h(ctx, env); err != nil {
			c.logger().Warn("envelope handler failed", "envelope_id", env.ID, "conversation_id", env.ConversationID, "error", err)
		}
	}
}

type subscription struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %w", delivery.ErrUnavailable, err)
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", delivery.ErrInvalidEnvelope, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", delivery.ErrUnavailable, context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("%w: %w", delivery.ErrUnavailable, context.Canceled)
	default:
		return fmt.Errorf("%w: %s", delivery.ErrUnavailable, st.Message())
	}
}

var _ delivery.Channel = (*Channel)(nil)
