// Package grpcwire carries delivery envelopes between nodes through a relay
// over gRPC. Messages are JSON encoded, so no generated stubs are needed.
package grpcwire

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	serviceName     = "dealroom.relay.v1.Relay"
	publishMethod   = "/" + serviceName + "/Publish"
	subscribeMethod = "/" + serviceName + "/Subscribe"
)

// codec is selected by the "json" content subtype on every call.
type codec struct{}

func (codec) Name() string                       { return "json" }
func (codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func init() {
	encoding.RegisterCodec(codec{})
}

// Frame holds one envelope in its delivery wire form. The relay sends a
// Ready frame first on every subscription.
type Frame struct {
	Ready bool            `json:"ready,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type PublishReply struct {
	EnvelopeID string    `json:"envelope_id"`
	AcceptedAt time.Time `json:"accepted_at"`
	Position   string    `json:"position"`
}

type SubscribeRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Subscriber     string `json:"subscriber,omitempty"`
}

// RelayService is implemented by the relay node.
type RelayService interface {
	Publish(ctx context.Context, frame *Frame) (*PublishReply, error)
	Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

func RegisterRelayService(s grpc.ServiceRegistrar, srv RelayService) {
	s.RegisterService(&relayServiceDesc, srv)
}

var relayServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RelayService)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Publish",
		Handler:    publishHandler,
	}},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "dealroom/relay.json",
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayService).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: publishMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayService).Publish(ctx, req.(*Frame))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RelayService).Subscribe(in, stream)
}
