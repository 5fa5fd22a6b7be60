package streaming

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/KevinKickass/OpenScheduleCore/internal/schedule"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName         = "osc.v1.ScheduleEvents"
	StreamEventsMethod  = "/" + serviceName + "/StreamScheduleEvents"
	ListSchedulesMethod = "/" + serviceName + "/ListSchedules"
	scheduleIDField     = "schedule_id"
)

// ScheduleEventsServer is served under osc.v1.ScheduleEvents. Messages are
// google.protobuf.Struct in both directions, so clients need no generated
// stubs beyond the well-known types.
type ScheduleEventsServer interface {
	StreamScheduleEvents(req *structpb.Struct, stream grpc.ServerStream) error
	ListSchedules(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type ScheduleLister interface {
	List() []*schedule.Schedule
}

type ScheduleService struct {
	streamer *EventStreamer
	store    ScheduleLister
}

func NewScheduleService(streamer *EventStreamer, store ScheduleLister) *ScheduleService {
	return &ScheduleService{
		streamer: streamer,
		store:    store,
	}
}

func Register(s *grpc.Server, svc ScheduleEventsServer) {
	s.RegisterService(&ServiceDesc, svc)
}

// StreamScheduleEvents sends every event for the requested schedule (or all
// schedules) until the client goes away.
func (s *ScheduleService) StreamScheduleEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	scheduleID := req.GetFields()[scheduleIDField].GetStringValue()

	eventCh := s.streamer.Subscribe(scheduleID)
	defer s.streamer.Unsubscribe(scheduleID, eventCh)

	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return nil
			}

			msg, err := toStruct(event)
			if err != nil {
				return status.Errorf(codes.Internal, "failed to encode event: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func (s *ScheduleService) ListSchedules(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	list := s.store.List()
	items := make([]any, 0, len(list))
	for _, sch := range list {
		item, err := toMap(sch)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to encode schedule %s: %v", sch.ID, err)
		}
		item["key"] = sch.DisplayKey()
		item["summary"] = sch.Trigger.Summary()
		item["time_text"] = sch.Trigger.TimeText()
		items = append(items, item)
	}

	out, err := structpb.NewStruct(map[string]any{"schedules": items})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode schedules: %v", err)
	}
	return out, nil
}

// toMap round-trips v through JSON so structpb only sees plain values.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toStruct(e schedule.Event) (*structpb.Struct, error) {
	m, err := toMap(e)
	if err != nil {
		return nil, err
	}
	if e.Schedule != nil {
		m["display_key"] = e.Schedule.DisplayKey()
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}
	return s, nil
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ScheduleEventsServer).StreamScheduleEvents(req, stream)
}

func listSchedulesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScheduleEventsServer).ListSchedules(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ListSchedulesMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ScheduleEventsServer).ListSchedules(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ScheduleEventsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ListSchedules",
			Handler:    listSchedulesHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamScheduleEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "osc/v1/schedule_events.proto",
}
