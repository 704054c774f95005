// Package workerapi exposes the queue operations over gRPC, reusing the
// HTTP API's operation layer so both transports share validation, worker
// limits and error mapping.
package workerapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nuetzliches/dtqueue/internal/httpapi"
	"github.com/nuetzliches/dtqueue/internal/queue"
)

const fieldQueue = "queue"

type Server struct {
	API       *httpapi.Server
	Authorize Authorizer
}

var _ QueueServiceServer = (*Server)(nil)

func NewServer(api *httpapi.Server) *Server {
	return &Server{API: api}
}

func (s *Server) Put(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	item, err := itemFromStruct(req)
	if err != nil {
		// Unknown queues are reported before malformed items.
		if opErr := s.API.CheckQueue(name); opErr != nil {
			return nil, mapOpError(opErr)
		}
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if opErr := s.API.Put(ctx, name, item); opErr != nil {
		return nil, mapOpError(opErr)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	item, ok, opErr := s.API.Get(ctx, name)
	return itemResponse(item, ok, opErr)
}

func (s *Server) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	item, ok, opErr := s.API.Delete(ctx, name)
	return itemResponse(item, ok, opErr)
}

func (s *Server) begin(ctx context.Context, req *structpb.Struct) (string, error) {
	if s.Authorize != nil && !s.Authorize(ctx) {
		return "", status.Error(codes.Unauthenticated, "request is not authorized")
	}
	if s.API == nil {
		return "", status.Error(codes.Internal, "queue api is not configured")
	}
	if req == nil {
		return "", status.Error(codes.InvalidArgument, "request is required")
	}
	v, ok := req.GetFields()[fieldQueue]
	if !ok {
		return "", status.Error(codes.InvalidArgument, "queue is required")
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", status.Error(codes.InvalidArgument, "queue must be a string")
	}
	return sv.StringValue, nil
}

func itemResponse(item queue.Item, ok bool, opErr *httpapi.OpError) (*structpb.Struct, error) {
	if opErr != nil {
		return nil, mapOpError(opErr)
	}
	if !ok {
		return &structpb.Struct{}, nil
	}
	return itemToStruct(item)
}

// itemFromStruct decodes every field except "queue" with the same strict
// rules as the JSON body of an HTTP put.
func itemFromStruct(req *structpb.Struct) (queue.Item, error) {
	fields := make(map[string]any, len(req.GetFields()))
	for k, v := range req.GetFields() {
		if k == fieldQueue {
			continue
		}
		fields[k] = v.AsInterface()
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return queue.Item{}, fmt.Errorf("%w: %v", queue.ErrInvalidItem, err)
	}
	var item queue.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return queue.Item{}, err
	}
	return item, nil
}

func itemToStruct(item queue.Item) (*structpb.Struct, error) {
	fields := map[string]any{
		"datetime": item.Datetime.UTC().Format(time.RFC3339Nano),
		"message":  item.Message,
	}
	if item.DatetimeSecondary != nil {
		fields["datetime_secondary"] = item.DatetimeSecondary.UTC().Format(time.RFC3339Nano)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func mapOpError(opErr *httpapi.OpError) error {
	if opErr == nil {
		return nil
	}
	switch opErr.StatusCode {
	case http.StatusBadRequest:
		return status.Error(codes.InvalidArgument, opErr.Detail)
	case http.StatusUnauthorized:
		return status.Error(codes.Unauthenticated, opErr.Detail)
	case http.StatusForbidden:
		return status.Error(codes.PermissionDenied, opErr.Code+": "+opErr.Detail)
	case http.StatusServiceUnavailable:
		return status.Error(codes.Unavailable, opErr.Detail)
	default:
		return status.Error(codes.Internal, opErr.Detail)
	}
}
