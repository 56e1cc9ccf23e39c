package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// APIKeyPrefix marks inbound gateway keys.
const APIKeyPrefix = "hmd_"

// HashKey returns the hex-encoded SHA-256 of a raw API key. Only this hash
// is ever persisted or compared.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Identity is the authenticated caller of an inbound request.
type Identity struct {
	KeyID  string
	UserID string
	Name   string
	Role   string // "admin" or "user"
}

// IsAdmin reports whether the identity may use the admin surface.
func (id *Identity) IsAdmin() bool { return id != nil && id.Role == "admin" }

// requestMeta travels with an inbound request through the pipeline. It is a
// pointer so middleware layers can fill fields without re-deriving contexts.
type requestMeta struct {
	RequestID string
	Identity  *Identity
	Op        string
	Model     string
}

type metaKey struct{}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(metaKey{}).(*requestMeta)
	return m
}

// ContextWithRequestID attaches a request ID, creating the meta carrier.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.RequestID = id
		return ctx
	}
	return context.WithValue(ctx, metaKey{}, &requestMeta{RequestID: id})
}

// RequestIDFromContext returns the request ID, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithIdentity attaches the authenticated identity. When meta is
// already present the existing carrier is mutated in place.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, metaKey{}, &requestMeta{Identity: id})
}

// IdentityFromContext returns the authenticated identity, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// SetOperation records the resolved op name and model on the meta carrier so
// the traffic middleware can log them. A no-op when no carrier exists.
func SetOperation(ctx context.Context, op, model string) {
	if m := metaFromContext(ctx); m != nil {
		m.Op = op
		m.Model = model
	}
}

// OperationFromContext returns the op name and model recorded by the handler,
// or empty strings.
func OperationFromContext(ctx context.Context) (op, model string) {
	if m := metaFromContext(ctx); m != nil {
		return m.Op, m.Model
	}
	return "", ""
}
