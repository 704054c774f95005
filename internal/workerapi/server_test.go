package workerapi

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nuetzliches/dtqueue/internal/httpapi"
	"github.com/nuetzliches/dtqueue/internal/queue"
)

const bufSize = 1 << 20

func newTestClient(t *testing.T, configure func(*Server)) *Client {
	t.Helper()
	store, err := queue.NewMemoryStore([]string{"jobs"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	api := httpapi.NewServer(store)
	api.Logger = zaptest.NewLogger(t)
	ws := NewServer(api)
	if configure != nil {
		configure(ws)
	}

	gs := grpc.NewServer()
	RegisterQueueServiceServer(gs, ws)
	lis := bufconn.Listen(bufSize)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPutGetDeleteOverGRPC(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := testContext(t)

	_, err := c.Put(ctx, mustStruct(t, map[string]any{
		"queue":    "jobs",
		"datetime": "2024-05-01T10:00:00Z",
		"message":  "second",
	}))
	require.NoError(t, err)
	_, err = c.Put(ctx, mustStruct(t, map[string]any{
		"queue":              "jobs",
		"datetime":           "2024-05-01T09:00:00.250Z",
		"datetime_secondary": "2024-05-01T09:00:01Z",
		"message":            "first",
	}))
	require.NoError(t, err)

	got, err := c.Get(ctx, mustStruct(t, map[string]any{"queue": "jobs"}))
	require.NoError(t, err)
	assert.Equal(t, "first", got.GetFields()["message"].GetStringValue())
	assert.Equal(t, "2024-05-01T09:00:00.25Z", got.GetFields()["datetime"].GetStringValue())
	assert.Equal(t, "2024-05-01T09:00:01Z", got.GetFields()["datetime_secondary"].GetStringValue())

	got, err = c.Delete(ctx, mustStruct(t, map[string]any{"queue": "jobs"}))
	require.NoError(t, err)
	assert.Equal(t, "first", got.GetFields()["message"].GetStringValue())

	got, err = c.Delete(ctx, mustStruct(t, map[string]any{"queue": "jobs"}))
	require.NoError(t, err)
	assert.Equal(t, "second", got.GetFields()["message"].GetStringValue())
	_, hasSecondary := got.GetFields()["datetime_secondary"]
	assert.False(t, hasSecondary)

	got, err = c.Delete(ctx, mustStruct(t, map[string]any{"queue": "jobs"}))
	require.NoError(t, err)
	assert.Empty(t, got.GetFields())
}

func TestInvalidQueueNameOverGRPC(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := testContext(t)

	for _, req := range []map[string]any{
		{"queue": "does_not_exist", "datetime": "2024-05-01T10:00:00Z"},
		{"queue": "does_not_exist", "datetime": "garbage"},
	} {
		_, err := c.Put(ctx, mustStruct(t, req))
		require.Equal(t, codes.PermissionDenied, status.Code(err), err)
		assert.True(t, strings.HasPrefix(status.Convert(err).Message(), httpapi.ErrCodeInvalidQueueName))
	}

	_, err := c.Get(ctx, mustStruct(t, map[string]any{"queue": "does_not_exist"}))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	_, err = c.Delete(ctx, mustStruct(t, map[string]any{"queue": "does_not_exist"}))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestMalformedRequestsOverGRPC(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := testContext(t)

	cases := []map[string]any{
		{"datetime": "2024-05-01T10:00:00Z"},
		{"queue": 7.0, "datetime": "2024-05-01T10:00:00Z"},
		{"queue": "jobs"},
		{"queue": "jobs", "datetime": "soon"},
		{"queue": "jobs", "datetime": "2024-05-01T10:00:00Z", "priority": 1.0},
	}
	for _, req := range cases {
		_, err := c.Put(ctx, mustStruct(t, req))
		assert.Equal(t, codes.InvalidArgument, status.Code(err), "%v", req)
	}
}

func TestBearerAuthOverGRPC(t *testing.T) {
	tokens := httpapi.NewTokens([][]byte{[]byte("t1")})
	c := newTestClient(t, func(s *Server) {
		s.Authorize = BearerTokenAuthorizer(tokens)
	})
	ctx := testContext(t)
	req := mustStruct(t, map[string]any{"queue": "jobs"})

	_, err := c.Get(ctx, req)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer t1")
	_, err = c.Get(authed, req)
	require.NoError(t, err)

	_, err = c.Get(metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer nope"), req)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestMapOpError(t *testing.T) {
	cases := map[int]codes.Code{
		400: codes.InvalidArgument,
		401: codes.Unauthenticated,
		403: codes.PermissionDenied,
		503: codes.Unavailable,
		500: codes.Internal,
	}
	for statusCode, want := range cases {
		err := mapOpError(&httpapi.OpError{StatusCode: statusCode, Code: "X", Detail: "d"})
		assert.Equal(t, want, status.Code(err), statusCode)
	}
	assert.NoError(t, mapOpError(nil))
}
