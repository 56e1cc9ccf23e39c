package claudecode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/oauth"
	"github.com/eugener/heimdall/internal/upstream"
)

// OAuthStart implements gateway.OAuthHandler: it mints a PKCE pair, stashes
// the pending state, and hands back the authorize URL for the caller to open.
func (p *Provider) OAuthStart(_ context.Context, query url.Values, _ http.Header) (*gateway.OAuthResult, error) {
	redirectURI := defString(query.Get("redirect_uri"), p.redirectURI)
	scope := defString(query.Get("scope"), oauthScope)

	stateID, err := oauth.RandomToken(24)
	if err != nil {
		return nil, err
	}
	verifier, err := oauth.RandomToken(32)
	if err != nil {
		return nil, err
	}

	p.states.Put(stateID, oauth.State{
		Kind:         oauth.StateAuthorizationCode,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
	})

	q := url.Values{
		"code":                  {"true"},
		"client_id":             {clientID},
		"response_type":         {"code"},
		"redirect_uri":          {redirectURI},
		"scope":                 {scope},
		"code_challenge":        {oauth.Challenge(verifier)},
		"code_challenge_method": {"S256"},
		"state":                 {stateID},
	}
	return jsonResult(http.StatusOK, map[string]any{
		"auth_url":     p.claudeAIBase + "/oauth/authorize?" + q.Encode(),
		"state":        stateID,
		"redirect_uri": redirectURI,
		"instructions": "Open auth_url, then submit code (or callback_url) to the callback endpoint.",
	})
}

// OAuthCallback exchanges the authorization code, enriches the credential
// from the profile endpoint, and persists it through the sink.
func (p *Provider) OAuthCallback(ctx context.Context, query url.Values, _ http.Header) (*gateway.OAuthResult, error) {
	if e := query.Get("error"); e != "" {
		return jsonResult(http.StatusBadRequest, map[string]any{
			"error": defString(query.Get("error_description"), e),
		})
	}

	code, stateID := oauth.CallbackParams(query)
	if code == "" {
		return jsonResult(http.StatusBadRequest, map[string]any{"error": "missing code"})
	}
	var st oauth.State
	if stateID != "" {
		var ok bool
		if st, ok = p.states.Take(stateID); !ok {
			return jsonResult(http.StatusBadRequest, map[string]any{"error": "missing state"})
		}
	} else {
		var err error
		if stateID, st, err = p.states.TakeSingle(); err != nil {
			return jsonResult(http.StatusBadRequest, map[string]any{"error": err.Error()})
		}
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {st.RedirectURI},
		"code_verifier": {st.CodeVerifier},
		"state":         {stateID},
	}
	tok, err := oauth.PostForm(ctx, p.client, p.apiBase+"/v1/oauth/token", form, p.tokenHeaders())
	if err != nil {
		return jsonResult(http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
	if tok.RefreshToken == "" {
		return jsonResult(http.StatusBadRequest, map[string]any{"error": "missing refresh_token"})
	}

	cc := gateway.ClaudeCodeCredential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    p.now().UnixMilli() + tok.ExpiresIn*1000,
	}
	p.enrichFromProfile(ctx, &cc)

	name := defString(cc.UserEmail, providerName)
	cred := gateway.Credential{Kind: gateway.CredClaudeCode, ClaudeCode: &cc}
	if p.sink != nil {
		if _, err := p.sink.SaveCredential(ctx, name, cred); err != nil {
			return nil, fmt.Errorf("claudecode: persist credential: %w", err)
		}
	}
	return jsonResult(http.StatusOK, map[string]any{
		"status":            "ok",
		"name":              name,
		"user_email":        cc.UserEmail,
		"subscription_type": cc.SubscriptionType,
		"rate_limit_tier":   cc.RateLimitTier,
		"expires_at":        cc.ExpiresAt,
	})
}

func (p *Provider) tokenHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", tokenUA)
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Origin", p.claudeAIBase)
	h.Set("Referer", p.claudeAIBase+"/")
	return h
}

// enrichFromProfile fills email/subscription/tier from the OAuth profile
// endpoint. Best effort: failures leave the credential as-is.
func (p *Provider) enrichFromProfile(ctx context.Context, cc *gateway.ClaudeCodeCredential) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/api/oauth/profile", nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+cc.AccessToken)
	req.Header.Set("User-Agent", claudeCodeUA)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerBeta, oauthBeta)

	resp, err := p.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return
	}
	body := gjson.ParseBytes(raw)

	if email := body.Get("account.email").Str; email != "" && cc.UserEmail == "" {
		cc.UserEmail = email
	}
	if cc.SubscriptionType == "" {
		switch {
		case body.Get("account.has_claude_max").Bool():
			cc.SubscriptionType = "claude_max"
		case body.Get("account.has_claude_pro").Bool():
			cc.SubscriptionType = "claude_pro"
		}
	}
	if tier := body.Get("organization.rate_limit_tier").Str; tier != "" && cc.RateLimitTier == "" {
		cc.RateLimitTier = tier
	}
}

// refresh exchanges the refresh token, keeping the old refresh token when the
// reply omits one.
func (p *Provider) refresh(ctx context.Context, cc *gateway.ClaudeCodeCredential) (*gateway.ClaudeCodeCredential, error) {
	if cc.RefreshToken == "" {
		return nil, fmt.Errorf("claudecode: no refresh token: %w", gateway.ErrNoCredential)
	}
	body := map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     clientID,
		"refresh_token": cc.RefreshToken,
	}
	tok, err := oauth.PostJSON(ctx, p.client, p.apiBase+"/v1/oauth/token", body, p.tokenHeaders())
	if err != nil {
		return nil, err
	}
	out := *cc
	out.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		out.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		out.ExpiresAt = p.now().UnixMilli() + tok.ExpiresIn*1000
	}
	return &out, nil
}

// UpgradeCredential proactively refreshes tokens that expire within a minute
// so the attempt does not burn a 401 on a known-stale token.
func (p *Provider) UpgradeCredential(ctx context.Context, cred *gateway.CredentialEntry) (*gateway.Credential, error) {
	cc := cred.Value.ClaudeCode
	if cc == nil || cc.ExpiresAt == 0 || cc.RefreshToken == "" {
		return nil, nil
	}
	if p.now().Add(time.Minute).UnixMilli() < cc.ExpiresAt {
		return nil, nil
	}
	fresh, err := p.refresh(ctx, cc)
	if err != nil {
		// Let the attempt run; a real 401 goes through OnAuthFailure.
		return nil, nil
	}
	out := cred.Value
	out.ClaudeCode = fresh
	return &out, nil
}

// OnAuthFailure handles 401/403 responses: a context-1m rejection records the
// missing capability; otherwise the token is refreshed, with a single
// retry-same fallback for credentials that carry a session key.
func (p *Provider) OnAuthFailure(ctx context.Context, req *gateway.Request, cred *gateway.CredentialEntry, cause error) gateway.AuthRetryAction {
	if is1MForbidden(cause) {
		model := req.Model()
		if f := oneMFamilyFor(model); f != familyNone && useContext1M(&cred.Value, model) {
			if nv := setSupports1M(&cred.Value, f, false); nv != nil {
				return gateway.AuthRetryAction{Kind: gateway.AuthRetryUpdate, Credential: nv}
			}
		}
	}

	cc := cred.Value.ClaudeCode
	if cc == nil {
		return gateway.AuthRetryAction{}
	}
	fresh, err := p.refresh(ctx, cc)
	if err == nil {
		out := cred.Value
		out.ClaudeCode = fresh
		return gateway.AuthRetryAction{Kind: gateway.AuthRetryUpdate, Credential: &out}
	}

	if cc.SessionKey != "" {
		p.mu.Lock()
		retried := p.sessionRetried[cred.ID]
		p.sessionRetried[cred.ID] = true
		p.mu.Unlock()
		if !retried {
			return gateway.AuthRetryAction{Kind: gateway.AuthRetrySame}
		}
	}
	return gateway.AuthRetryAction{}
}

// is1MForbidden matches upstream rejections of the long-context beta.
func is1MForbidden(err error) bool {
	var he *upstream.HTTPError
	if !errors.As(err, &he) {
		return false
	}
	if he.Status != http.StatusBadRequest && he.Status != http.StatusForbidden {
		return false
	}
	body := strings.ToLower(string(he.Body))
	for _, needle := range []string{"context-1m", "context 1m", "1m context", "long context beta"} {
		if strings.Contains(body, needle) {
			return true
		}
	}
	return false
}

func jsonResult(status int, body map[string]any) (*gateway.OAuthResult, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &gateway.OAuthResult{Status: status, Body: raw}, nil
}
