package pb

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/proto" // registers the base proto codec
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// StartStreamingMethod is the full method name of the streaming RPC.
const StartStreamingMethod = "/flowrelay.eventstream.v1.EventStream/StartStreaming"

var startStreamingDesc = &grpc.StreamDesc{
	StreamName:    "StartStreaming",
	ServerStreams: true,
	ClientStreams: true,
}

// NewEventStreamClient returns the concrete client over a gRPC
// connection.
func NewEventStreamClient(cc grpc.ClientConnInterface) EventStreamClient {
	return &eventStreamClient{cc: cc}
}

type eventStreamClient struct {
	cc grpc.ClientConnInterface
}

func (c *eventStreamClient) StartStreaming(ctx context.Context, opts ...grpc.CallOption) (EventStream_StartStreamingClient, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(frameCodec{})}, opts...)
	s, err := c.cc.NewStream(ctx, startStreamingDesc, StartStreamingMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &startStreamingClient{ClientStream: s}, nil
}

type startStreamingClient struct {
	grpc.ClientStream
}

func (x *startStreamingClient) Send(m *CloudEvent) error {
	return x.ClientStream.SendMsg(m)
}

func (x *startStreamingClient) Recv() (*CloudEvent, error) {
	m := new(CloudEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// frameCodec marshals CloudEvent frames on the protobuf wire format
// without generated code. Field numbers match the platform's schema:
// 1 id, 2 source, 3 specversion, 4 type, 5 data.
type frameCodec struct{}

func (frameCodec) Name() string { return "flowrelay-frame" }

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *CloudEvent:
		return marshalFrame(m)
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("pb: cannot marshal %T", v)
	}
}

func (frameCodec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case *CloudEvent:
		return unmarshalFrame(data, m)
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("pb: cannot unmarshal into %T", v)
	}
}

var _ encoding.Codec = frameCodec{}

func marshalFrame(m *CloudEvent) ([]byte, error) {
	var b []byte
	appendString := func(num protowire.Number, s string) {
		if s == "" {
			return
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	appendString(1, m.Id)
	appendString(2, m.Source)
	appendString(3, m.SpecVersion)
	appendString(4, m.Type)
	if m.Data != nil {
		raw, err := proto.Marshal(m.Data)
		if err != nil {
			return nil, fmt.Errorf("pb: marshal data: %w", err)
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}
	return b, nil
}

func unmarshalFrame(data []byte, m *CloudEvent) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}

		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case 1:
			m.Id = string(val)
		case 2:
			m.Source = string(val)
		case 3:
			m.SpecVersion = string(val)
		case 4:
			m.Type = string(val)
		case 5:
			s := new(structpb.Struct)
			if err := proto.Unmarshal(val, s); err != nil {
				return fmt.Errorf("pb: unmarshal data: %w", err)
			}
			m.Data = s
		}
	}
	return nil
}
