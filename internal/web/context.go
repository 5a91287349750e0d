package web

import (
	"context"
	"net/http"
	"strings"

	"github.com/JonMunkholm/sensorlog/internal/core"
)

// ActorHeader names the caller on submitted jobs.
const ActorHeader = "X-Actor-ID"

// WithRequestMetadata adds the client IP and actor to ctx.
func WithRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	ctx = core.ContextWithIPAddress(ctx, r.RemoteAddr) // already resolved by TrustedRealIP
	if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
		ctx = core.ContextWithActor(ctx, actor)
	}
	return ctx
}
