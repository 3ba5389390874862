// Package correlation carries the human-readable, log-correlatable id that
// rides in api.RequestProperties.Label on the wire — distinct from the
// per-call integer cid internal/correlator assigns to match a reply to its
// request. A correlation id survives a whole fetch or critical_section call
// (and, for amqpmuxctl, a whole command invocation); a correlator cid only
// survives one outstanding delivery.
package correlation

import (
	"context"
	"strings"
	"sync"

	"github.com/amqpmux/amqpmux/internal/uuidv7"
)

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

type state struct {
	mu sync.RWMutex
	id string
}

// ensure attaches correlation state to ctx if not already present.
func ensure(ctx context.Context) context.Context {
	if ctx == nil {
		return context.WithValue(context.Background(), contextKey{}, &state{})
	}
	if _, ok := ctx.Value(contextKey{}).(*state); ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, &state{})
}

// Set records the correlation ID on ctx and returns the context carrying the
// state. server.Endpoint.Dispatch calls this with the inbound request's
// RequestProperties.Label so every log line for that delivery can be tied
// back to the caller's id.
func Set(ctx context.Context, id string) context.Context {
	if normalized, ok := Normalize(id); ok {
		ctx = ensure(ctx)
		st, _ := ctx.Value(contextKey{}).(*state)
		st.mu.Lock()
		st.id = normalized
		st.mu.Unlock()
		return ctx
	}
	return ctx
}

// ID retrieves the correlation ID stored on ctx, returning "" if none is
// set. client.Fetch and client.CriticalSection read this to stamp the
// outgoing RequestProperties.Label.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if st, ok := ctx.Value(contextKey{}).(*state); ok && st != nil {
		st.mu.RLock()
		id := st.id
		st.mu.RUnlock()
		return id
	}
	return ""
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false
	}
	if len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new random correlation identifier. amqpmuxctl calls
// this when AMQPMUXCTL_CORRELATION_ID is unset or invalid.
func Generate() string {
	return uuidv7.NewString()
}
