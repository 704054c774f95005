package workerapi

import (
	"context"

	"google.golang.org/grpc/metadata"

	"github.com/nuetzliches/dtqueue/internal/httpapi"
)

// Authorizer decides whether a gRPC request is authorized.
type Authorizer func(ctx context.Context) bool

// BearerTokenAuthorizer validates "authorization: Bearer <token>" metadata
// against the same token set the HTTP API uses.
func BearerTokenAuthorizer(tokens *httpapi.Tokens) Authorizer {
	return func(ctx context.Context) bool {
		if !tokens.Enabled() {
			return true
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return false
		}
		for _, raw := range md.Get("authorization") {
			if tokens.Match(raw) {
				return true
			}
		}
		return false
	}
}
