package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/oauth"
)

const defaultRedirectURI = "http://localhost:1455/auth/callback"

// OAuthStart implements gateway.OAuthHandler. mode=authorization_code runs
// the PKCE browser flow; anything else starts a device-auth grant.
func (p *Provider) OAuthStart(ctx context.Context, query url.Values, _ http.Header) (*gateway.OAuthResult, error) {
	if query.Get("mode") == "authorization_code" {
		return p.startAuthorizationCode(query)
	}
	return p.startDeviceAuth(ctx)
}

func (p *Provider) startAuthorizationCode(query url.Values) (*gateway.OAuthResult, error) {
	redirectURI := defString(query.Get("redirect_uri"), defaultRedirectURI)

	stateID, err := oauth.RandomToken(24)
	if err != nil {
		return nil, err
	}
	verifier, err := oauth.RandomToken(64)
	if err != nil {
		return nil, err
	}
	p.states.Put(stateID, oauth.State{
		Kind:         oauth.StateAuthorizationCode,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
	})

	q := url.Values{
		"response_type":             {"code"},
		"client_id":                 {clientID},
		"redirect_uri":              {redirectURI},
		"scope":                     {oauthScope},
		"code_challenge":            {oauth.Challenge(verifier)},
		"code_challenge_method":     {"S256"},
		"state":                     {stateID},
		"id_token_add_organizations": {"true"},
		"codex_cli_simplified_flow": {"true"},
		"originator":                {originator},
	}
	return jsonResult(http.StatusOK, map[string]any{
		"auth_url":     p.issuer + "/oauth/authorize?" + q.Encode(),
		"state":        stateID,
		"redirect_uri": redirectURI,
		"instructions": "Open auth_url, then submit code (or callback_url) to the callback endpoint.",
	})
}

func (p *Provider) startDeviceAuth(ctx context.Context) (*gateway.OAuthResult, error) {
	status, body, err := p.postJSON(ctx, p.issuer+"/api/accounts/deviceauth/usercode", map[string]string{"client_id": clientID})
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return jsonResult(http.StatusBadGateway, map[string]any{
			"error": fmt.Sprintf("device usercode request failed: HTTP %d", status),
		})
	}
	parsed := gjson.ParseBytes(body)
	deviceAuthID := parsed.Get("device_auth_id").Str
	userCode := defString(parsed.Get("user_code").Str, parsed.Get("usercode").Str)
	interval := int(parsed.Get("interval").Int())
	if interval <= 0 {
		interval = 5
	}
	if deviceAuthID == "" || userCode == "" {
		return jsonResult(http.StatusBadGateway, map[string]any{"error": "device usercode response incomplete"})
	}

	stateID, err := oauth.RandomToken(24)
	if err != nil {
		return nil, err
	}
	p.states.Put(stateID, oauth.State{
		Kind:         oauth.StateDeviceAuth,
		DeviceAuthID: deviceAuthID,
		UserCode:     userCode,
		PollInterval: interval,
	})

	verificationURI := p.issuer + "/codex/device"
	return jsonResult(http.StatusOK, map[string]any{
		"auth_url":         verificationURI,
		"verification_uri": verificationURI,
		"user_code":        userCode,
		"interval":         interval,
		"state":            stateID,
		"instructions":     "Open verification_uri, enter user_code, then call the callback endpoint with state.",
	})
}

// OAuthCallback finishes either flow. Device-auth callbacks poll once: a
// still-pending grant replies 409 and leaves the state redeemable.
func (p *Provider) OAuthCallback(ctx context.Context, query url.Values, _ http.Header) (*gateway.OAuthResult, error) {
	if e := query.Get("error"); e != "" {
		return jsonResult(http.StatusBadRequest, map[string]any{
			"error": defString(query.Get("error_description"), e),
		})
	}

	code, stateID := oauth.CallbackParams(query)
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

	redirectURI := st.RedirectURI
	verifier := st.CodeVerifier
	if st.Kind == oauth.StateDeviceAuth {
		grantCode, grantVerifier, pending, err := p.pollDeviceAuth(ctx, &st)
		if err != nil {
			return jsonResult(http.StatusBadRequest, map[string]any{"error": err.Error()})
		}
		if pending {
			p.states.Put(stateID, st)
			return jsonResult(http.StatusConflict, map[string]any{
				"error": fmt.Sprintf("authorization_pending: retry after %ds", max(st.PollInterval, 1)),
			})
		}
		code, verifier = grantCode, grantVerifier
		redirectURI = p.issuer + "/deviceauth/callback"
	}
	if code == "" {
		return jsonResult(http.StatusBadRequest, map[string]any{"error": "missing code"})
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}
	tok, err := oauth.PostForm(ctx, p.client, p.issuer+"/oauth/token", form, nil)
	if err != nil {
		return jsonResult(http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
	if tok.RefreshToken == "" || tok.IDToken == "" {
		return jsonResult(http.StatusBadRequest, map[string]any{"error": "token response missing refresh_token or id_token"})
	}

	claims, err := oauth.UnverifiedClaims(tok.IDToken)
	if err != nil {
		return jsonResult(http.StatusBadRequest, map[string]any{"error": "undecodable id_token"})
	}
	accountID := oauth.ClaimString(claims, accountClaimNamespace, "chatgpt_account_id")
	if accountID == "" {
		return jsonResult(http.StatusBadRequest, map[string]any{"error": "id_token missing chatgpt_account_id"})
	}
	email := oauth.ClaimString(claims, "email")

	cc := gateway.CodexCredential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      tok.IDToken,
		AccountID:    accountID,
		UserEmail:    email,
		ExpiresAt:    p.now().Unix() + tok.ExpiresIn,
	}
	name := email
	if name == "" {
		name = "codex:" + accountID
	}
	if p.sink != nil {
		cred := gateway.Credential{Kind: gateway.CredCodex, Codex: &cc}
		if _, err := p.sink.SaveCredential(ctx, name, cred); err != nil {
			return nil, fmt.Errorf("codex: persist credential: %w", err)
		}
	}
	return jsonResult(http.StatusOK, map[string]any{
		"status":     "ok",
		"name":       name,
		"account_id": accountID,
		"user_email": email,
		"expires_at": cc.ExpiresAt,
	})
}

// pollDeviceAuth asks the device-auth token endpoint once. 403/404 mean the
// user has not finished approving yet.
func (p *Provider) pollDeviceAuth(ctx context.Context, st *oauth.State) (code, verifier string, pending bool, err error) {
	status, body, err := p.postJSON(ctx, p.issuer+"/api/accounts/deviceauth/token", map[string]string{
		"device_auth_id": st.DeviceAuthID,
		"user_code":      st.UserCode,
	})
	if err != nil {
		return "", "", false, err
	}
	if status == http.StatusForbidden || status == http.StatusNotFound {
		return "", "", true, nil
	}
	if status < 200 || status > 299 {
		return "", "", false, fmt.Errorf("device token request failed: HTTP %d", status)
	}
	parsed := gjson.ParseBytes(body)
	code = defString(parsed.Get("authorization_code").Str, parsed.Get("code").Str)
	verifier = parsed.Get("code_verifier").Str
	if code == "" {
		return "", "", false, fmt.Errorf("device token response missing authorization_code")
	}
	return code, verifier, false, nil
}

func (p *Provider) postJSON(ctx context.Context, endpoint string, payload any) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// refresh exchanges the refresh token and merges the reply into a copy of
// the credential, keeping old tokens when the reply omits them.
func (p *Provider) refresh(ctx context.Context, cc *gateway.CodexCredential) (*gateway.CodexCredential, error) {
	if cc.RefreshToken == "" {
		return nil, fmt.Errorf("codex: no refresh token: %w", gateway.ErrNoCredential)
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {cc.RefreshToken},
	}
	tok, err := oauth.PostForm(ctx, p.client, p.issuer+"/oauth/token", form, nil)
	if err != nil {
		return nil, err
	}
	out := *cc
	out.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		out.RefreshToken = tok.RefreshToken
	}
	if tok.IDToken != "" {
		out.IDToken = tok.IDToken
	}
	if tok.ExpiresIn > 0 {
		out.ExpiresAt = p.now().Unix() + tok.ExpiresIn
	}
	if out.UserEmail == "" && out.IDToken != "" {
		if claims, err := oauth.UnverifiedClaims(out.IDToken); err == nil {
			out.UserEmail = oauth.ClaimString(claims, "email")
		}
	}
	return &out, nil
}

// UpgradeCredential proactively refreshes tokens that expire within a minute.
func (p *Provider) UpgradeCredential(ctx context.Context, cred *gateway.CredentialEntry) (*gateway.Credential, error) {
	cc := cred.Value.Codex
	if cc == nil || cc.ExpiresAt == 0 || cc.RefreshToken == "" {
		return nil, nil
	}
	if p.now().Unix()+60 < cc.ExpiresAt {
		return nil, nil
	}
	fresh, err := p.refresh(ctx, cc)
	if err != nil {
		return nil, nil
	}
	out := cred.Value
	out.Codex = fresh
	return &out, nil
}

// OnAuthFailure refreshes the token set on 401/403 and retries with the
// updated credential.
func (p *Provider) OnAuthFailure(ctx context.Context, _ *gateway.Request, cred *gateway.CredentialEntry, _ error) gateway.AuthRetryAction {
	cc := cred.Value.Codex
	if cc == nil {
		return gateway.AuthRetryAction{}
	}
	fresh, err := p.refresh(ctx, cc)
	if err != nil {
		return gateway.AuthRetryAction{}
	}
	out := cred.Value
	out.Codex = fresh
	return gateway.AuthRetryAction{Kind: gateway.AuthRetryUpdate, Credential: &out}
}

func jsonResult(status int, body map[string]any) (*gateway.OAuthResult, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &gateway.OAuthResult{Status: status, Body: raw}, nil
}
