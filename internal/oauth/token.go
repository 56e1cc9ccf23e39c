package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/eugener/heimdall/internal"
)

// TokenResponse is the common token-endpoint reply shape. Fields absent from
// a provider's reply stay zero; an empty refresh token means "keep the old
// one".
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// PostForm sends a form-encoded token request and decodes the reply.
func PostForm(ctx context.Context, client *http.Client, endpoint string, form url.Values, header http.Header) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doToken(client, req)
}

// PostJSON sends a JSON token request and decodes the reply.
func PostJSON(ctx context.Context, client *http.Client, endpoint string, body any, header http.Header) (*TokenResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")
	return doToken(client, req)
}

// StatusError is a non-2xx token-endpoint reply. Device-auth callers inspect
// the status to distinguish "pending" from real failures.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("token endpoint HTTP %d: %s", e.Status, e.Body)
}

func doToken(client *http.Client, req *http.Request) (*TokenResponse, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode, Body: body}
	}
	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token: %w", gateway.ErrProviderError)
	}
	return &tok, nil
}

// UnverifiedClaims decodes a JWT payload without signature verification.
// ID tokens here are used only to read identity hints (email, account id);
// the tokens themselves were just received over TLS from the issuer.
func UnverifiedClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ClaimString walks a nested claim path and returns the string leaf, or "".
func ClaimString(claims map[string]any, path ...string) string {
	cur := any(claims)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}
	s, _ := cur.(string)
	return s
}

// CallbackParams extracts the authorization code and state from callback
// query parameters. Providers that bounce through a local CLI send the full
// redirect target as callback_url instead of discrete params.
func CallbackParams(query url.Values) (code, state string) {
	code = query.Get("code")
	state = query.Get("state")
	if cb := query.Get("callback_url"); cb != "" && (code == "" || state == "") {
		if u, err := url.Parse(cb); err == nil {
			q := u.Query()
			if code == "" {
				code = q.Get("code")
			}
			if state == "" {
				state = q.Get("state")
			}
		}
	}
	return CleanCode(code), state
}
