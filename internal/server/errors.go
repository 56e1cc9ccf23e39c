package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/upstream"
)

// Preallocated header values avoid per-request slice allocations.
var (
	jsonCT = []string{"application/json"}
)

const maxBodySize = 10 << 20 // 10MB request body cap

// decodeJSON reads and decodes a JSON request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}

// writeJSON marshals v and writes it with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRawJSON writes an already-encoded JSON body.
func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// protoForPath picks the inbound wire protocol from the URL path, for error
// shaping on requests that fail before a handler resolves the op.
func protoForPath(path string) gateway.Protocol {
	switch {
	case strings.HasPrefix(path, "/v1beta/"):
		return gateway.ProtoGemini
	case strings.HasPrefix(path, "/v1/messages"):
		return gateway.ProtoClaude
	case strings.HasPrefix(path, "/v1/responses"):
		return gateway.ProtoOpenAIResponses
	default:
		return gateway.ProtoOpenAIChat
	}
}

// errorStatus maps pipeline errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrBadRequest), errors.Is(err, gateway.ErrOAuthState):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, gateway.ErrUnsupported):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrNoCredential):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrAuthFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err in the source protocol's error envelope. Upstream
// HTTP failures pass through with their original status and body so clients
// see exactly what the upstream said.
func writeError(w http.ResponseWriter, proto gateway.Protocol, err error) {
	var httpErr *upstream.HTTPError
	if errors.As(err, &httpErr) {
		if len(httpErr.Body) > 0 {
			writeRawJSON(w, httpErr.Status, httpErr.Body)
			return
		}
		writeProtocolError(w, proto, httpErr.Status, http.StatusText(httpErr.Status))
		return
	}
	writeProtocolError(w, proto, errorStatus(err), err.Error())
}

// writeProtocolError writes an error envelope in the given protocol's shape.
func writeProtocolError(w http.ResponseWriter, proto gateway.Protocol, status int, msg string) {
	switch proto {
	case gateway.ProtoClaude:
		writeJSON(w, status, map[string]any{
			"type": "error",
			"error": map[string]string{
				"type":    claudeErrorType(status),
				"message": msg,
			},
		})
	case gateway.ProtoGemini:
		writeJSON(w, status, map[string]any{
			"error": map[string]any{
				"code":    status,
				"message": msg,
				"status":  geminiErrorStatus(status),
			},
		})
	default:
		writeJSON(w, status, map[string]any{
			"error": map[string]any{
				"message": msg,
				"type":    openAIErrorType(status),
				"code":    nil,
			},
		})
	}
}

func claudeErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

func openAIErrorType(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound:
		return "invalid_request_error"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	default:
		return "server_error"
	}
}

func geminiErrorStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
