package grpcwire

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"dealroom/internal/app/delivery"
)

// Server fans envelopes out to every connected node through a local channel,
// normally an in-process hub.
type Server struct {
	Channel delivery.Channel
	Logger  *slog.Logger
	// Buffer bounds frames queued for one slow subscriber.
	Buffer int
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) Publish(ctx context.Context, frame *Frame) (*PublishReply, error) {
	env, err := delivery.Unmarshal(frame.Data)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	receipt, err := s.Channel.Publish(ctx, env)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PublishReply{EnvelopeID: receipt.EnvelopeID, AcceptedAt: receipt.AcceptedAt, Position: receipt.Position}, nil
}

func (s *Server) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	buffer := s.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	frames := make(chan []byte, buffer)
	sub, err := s.Channel.Subscribe(ctx, req.ConversationID, func(pubCtx context.Context, env delivery.Envelope) error {
		data, err := delivery.Marshal(env)
		if err != nil {
			return err
		}
		select {
		case frames <- data:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-pubCtx.Done():
			return pubCtx.Err()
		}
	})
	if err != nil {
		return toStatus(err)
	}
	defer sub.Close()
	s.logger().Info("relay subscriber attached", "subscriber", req.Subscriber, "conversation_id", req.ConversationID)
	defer s.logger().Info("relay subscriber detached", "subscriber", req.Subscriber)

	if err := stream.SendMsg(&Frame{Ready: true}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-frames:
			if err := stream.SendMsg(&Frame{Data: data}); err != nil {
				return err
			}
		}
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, delivery.ErrInvalidEnvelope):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, delivery.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// LoggingInterceptor writes one line per unary call.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		attrs := []any{"method", info.FullMethod, "code", code.String(), "latency_ms", time.Since(start).Milliseconds()}
		if err != nil && code != codes.InvalidArgument {
			logger.Warn("grpc call failed", append(attrs, "error", err)...)
			return resp, err
		}
		logger.Debug("grpc call", attrs...)
		return resp, err
	}
}

var _ RelayService = (*Server)(nil)
