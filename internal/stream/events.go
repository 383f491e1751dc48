package stream

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowrelay/flowrelay-go/internal/dispatch"
	"github.com/flowrelay/flowrelay-go/internal/registry"
	"github.com/flowrelay/flowrelay-go/pb"
)

// newEvent stamps a fresh envelope around a data map.
func newEvent(source, eventType string, data map[string]interface{}) (*pb.CloudEvent, error) {
	payload, err := pb.NewData(data)
	if err != nil {
		return nil, err
	}
	return &pb.CloudEvent{
		Id:          uuid.NewString(),
		Source:      source,
		SpecVersion: pb.SpecVersion,
		Type:        eventType,
		Data:        payload,
	}, nil
}

func joinEvent(source, processID, schemaVersion string, handlers []registry.Info) (*pb.CloudEvent, error) {
	list := make([]interface{}, 0, len(handlers))
	for _, h := range handlers {
		list = append(list, map[string]interface{}{
			"kind":    string(h.Kind),
			"name":    h.Name,
			"version": h.Version,
		})
	}
	return newEvent(source, pb.EventJoin, map[string]interface{}{
		"processId":     processID,
		"handlers":      list,
		"schemaVersion": schemaVersion,
	})
}

func keepAliveEvent(source string) (*pb.CloudEvent, error) {
	return newEvent(source, pb.EventKeepAlive, map[string]interface{}{
		"timestamp": time.Now().UnixMilli(),
	})
}

func keepAliveAckEvent(source string) (*pb.CloudEvent, error) {
	return newEvent(source, pb.EventKeepAliveAck, map[string]interface{}{
		"timestamp": time.Now().UnixMilli(),
	})
}

func reAuthEvent(source, eventType, token string) (*pb.CloudEvent, error) {
	return newEvent(source, eventType, map[string]interface{}{
		"token": token,
	})
}

// parseRequest turns an inbound calculation request frame into a
// dispatcher request.
func parseRequest(ev *pb.CloudEvent) (*dispatch.Request, error) {
	data := pb.DataMap(ev)

	req := &dispatch.Request{
		RequestID:      pb.StringField(data, "requestId"),
		ModelName:      pb.StringField(data, "modelName"),
		DeadlineMillis: dispatch.NoDeadlineHint,
	}
	if req.RequestID == "" {
		return nil, fmt.Errorf("stream: %s frame %s has no requestId", ev.Type, ev.Id)
	}

	switch ev.Type {
	case pb.EventProcessorRequest:
		req.Kind = registry.KindProcessor
		req.HandlerName = pb.StringField(data, "processorName")
		if v, ok := pb.IntField(data, "processorVersion"); ok {
			req.HandlerVersion = int(v)
		}
	case pb.EventCriteriaRequest:
		req.Kind = registry.KindCriterion
		req.HandlerName = pb.StringField(data, "criterionName")
		if v, ok := pb.IntField(data, "criterionVersion"); ok {
			req.HandlerVersion = int(v)
		}
	default:
		return nil, fmt.Errorf("stream: %q is not a calculation request", ev.Type)
	}

	if v, ok := pb.IntField(data, "modelVersion"); ok {
		req.ModelVersion = int(v)
	}
	if v, ok := pb.IntField(data, "deadlineMillis"); ok {
		req.DeadlineMillis = v
	}

	payload, err := pb.StructField(data, "payload")
	if err != nil {
		return nil, fmt.Errorf("stream: frame %s: %w", ev.Id, err)
	}
	req.Payload = payload
	return req, nil
}

// responseEvent renders a dispatcher response back into a frame.
func responseEvent(source string, resp *dispatch.Response) (*pb.CloudEvent, error) {
	data := map[string]interface{}{
		"requestId": resp.RequestID,
		"success":   resp.Success,
	}
	if resp.ErrorKind != dispatch.ErrKindNone {
		data["errorKind"] = string(resp.ErrorKind)
		data["errorMessage"] = resp.ErrorMessage
	}

	eventType := pb.EventProcessorResponse
	if resp.Kind == registry.KindCriterion {
		eventType = pb.EventCriteriaResponse
		if resp.Matches != nil {
			data["matches"] = *resp.Matches
		}
	} else if resp.Payload != nil {
		data["payload"] = resp.Payload.AsMap()
	}

	return newEvent(source, eventType, data)
}
