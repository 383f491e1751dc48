// Package pb holds the wire types for the FlowRelay event stream.
//
// The platform transports CloudEvents v1 envelopes over a single
// bidirectional streaming RPC. The envelope carries an id, a source, a
// type discriminator and a structured data payload. The interfaces below
// mirror the generated gRPC client surface so the session code works
// against either the real stub or the in-memory mock.
package pb

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Event type discriminators understood by the runtime.
const (
	EventJoin              = "Join"
	EventGreet             = "Greet"
	EventProcessorRequest  = "EntityProcessorCalculationRequest"
	EventProcessorResponse = "EntityProcessorCalculationResponse"
	EventCriteriaRequest   = "EntityCriteriaCalculationRequest"
	EventCriteriaResponse  = "EntityCriteriaCalculationResponse"
	EventKeepAlive         = "KeepAlive"
	EventKeepAliveAck      = "KeepAliveAck"
	EventReAuth            = "ReAuth"
)

// SpecVersion is the CloudEvents spec version stamped on every frame.
const SpecVersion = "1.0"

// CloudEvent is one frame on the stream.
type CloudEvent struct {
	Id          string
	Source      string
	SpecVersion string
	Type        string
	Data        *structpb.Struct
}

// EventStreamClient mirrors the generated client for the platform's
// bidirectional streaming service.
type EventStreamClient interface {
	StartStreaming(ctx context.Context, opts ...grpc.CallOption) (EventStream_StartStreamingClient, error)
}

// EventStream_StartStreamingClient is the client half of the stream.
type EventStream_StartStreamingClient interface {
	Send(*CloudEvent) error
	Recv() (*CloudEvent, error)
	CloseSend() error
}

// NewData builds a structpb payload from a plain map.
func NewData(fields map[string]interface{}) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("pb: encode data payload: %w", err)
	}
	return s, nil
}

// DataMap returns the event payload as a plain map. Nil data yields an
// empty map so callers can index without nil checks.
func DataMap(ev *CloudEvent) map[string]interface{} {
	if ev == nil || ev.Data == nil {
		return map[string]interface{}{}
	}
	return ev.Data.AsMap()
}

// StringField extracts a string field from a payload map.
func StringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// IntField extracts an integer field. structpb stores all numbers as
// float64.
func IntField(data map[string]interface{}, key string) (int64, bool) {
	if v, ok := data[key].(float64); ok {
		return int64(v), true
	}
	return 0, false
}

// BoolField extracts a boolean field.
func BoolField(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

// StructField extracts a nested object field as a structpb.Struct.
func StructField(data map[string]interface{}, key string) (*structpb.Struct, error) {
	raw, ok := data[key]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("pb: field %q is not an object", key)
	}
	return structpb.NewStruct(m)
}
