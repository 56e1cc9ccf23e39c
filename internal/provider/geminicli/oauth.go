package geminicli

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

const defaultRedirectURI = "http://localhost:8085/oauth2callback"

// OAuthStart implements gateway.OAuthHandler with the Google PKCE flow.
func (p *Provider) OAuthStart(_ context.Context, query url.Values, _ http.Header) (*gateway.OAuthResult, error) {
	redirectURI := defString(query.Get("redirect_uri"), defaultRedirectURI)

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
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"scope":                 {oauthScope},
		"code_challenge":        {oauth.Challenge(verifier)},
		"code_challenge_method": {"S256"},
		"state":                 {stateID},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
	}
	return jsonResult(http.StatusOK, map[string]any{
		"auth_url":     p.authURL + "?" + q.Encode(),
		"state":        stateID,
		"redirect_uri": redirectURI,
		"instructions": "Open auth_url, then submit code (or callback_url) to the callback endpoint.",
	})
}

// OAuthCallback finishes the flow: exchange the code, read the user's email
// from the id_token, and discover the Cloud Code project.
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
		if _, st, err = p.states.TakeSingle(); err != nil {
			return jsonResult(http.StatusBadRequest, map[string]any{"error": err.Error()})
		}
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"code":          {code},
		"redirect_uri":  {st.RedirectURI},
		"code_verifier": {st.CodeVerifier},
	}
	tok, err := oauth.PostForm(ctx, p.client, p.tokenURL, form, nil)
	if err != nil {
		return jsonResult(http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
	if tok.RefreshToken == "" {
		return jsonResult(http.StatusBadRequest, map[string]any{"error": "token response missing refresh_token"})
	}

	var email string
	if tok.IDToken != "" {
		if claims, err := oauth.UnverifiedClaims(tok.IDToken); err == nil {
			email = oauth.ClaimString(claims, "email")
		}
	}

	gc := gateway.GeminiCLICredential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		UserEmail:    email,
		ExpiresAt:    p.now().Unix() + tok.ExpiresIn,
	}
	gc.ProjectID = query.Get("project_id")
	if gc.ProjectID == "" {
		gc.ProjectID = p.discoverProject(ctx, gc.AccessToken)
	}

	name := email
	if name == "" {
		name = providerName
	}
	if p.sink != nil {
		cred := gateway.Credential{Kind: gateway.CredGeminiCLI, GeminiCLI: &gc}
		if _, err := p.sink.SaveCredential(ctx, name, cred); err != nil {
			return nil, fmt.Errorf("geminicli: persist credential: %w", err)
		}
	}
	return jsonResult(http.StatusOK, map[string]any{
		"status":     "ok",
		"name":       name,
		"user_email": email,
		"project_id": gc.ProjectID,
		"expires_at": gc.ExpiresAt,
	})
}

// discoverProject asks Cloud Code for the companion project. Best effort: a
// credential without a project still works for some account types.
func (p *Provider) discoverProject(ctx context.Context, token string) string {
	payload := []byte(`{"metadata":{"pluginType":"GEMINI"}}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1internal:loadCodeAssist", bytes.NewReader(payload))
	if err != nil {
		return ""
	}
	req.Header = p.headers(token)
	resp, err := p.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ""
	}
	return gjson.GetBytes(body, "cloudaicompanionProject").Str
}

// refresh exchanges the refresh token; Google never rotates it, so the old
// one is kept.
func (p *Provider) refresh(ctx context.Context, gc *gateway.GeminiCLICredential) (*gateway.GeminiCLICredential, error) {
	if gc.RefreshToken == "" {
		return nil, fmt.Errorf("geminicli: no refresh token: %w", gateway.ErrNoCredential)
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"refresh_token": {gc.RefreshToken},
	}
	tok, err := oauth.PostForm(ctx, p.client, p.tokenURL, form, nil)
	if err != nil {
		return nil, err
	}
	out := *gc
	out.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		out.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		out.ExpiresAt = p.now().Unix() + tok.ExpiresIn
	}
	return &out, nil
}

// UpgradeCredential proactively refreshes tokens that expire within a minute.
func (p *Provider) UpgradeCredential(ctx context.Context, cred *gateway.CredentialEntry) (*gateway.Credential, error) {
	gc := cred.Value.GeminiCLI
	if gc == nil || gc.ExpiresAt == 0 || gc.RefreshToken == "" {
		return nil, nil
	}
	if p.now().Unix()+60 < gc.ExpiresAt {
		return nil, nil
	}
	fresh, err := p.refresh(ctx, gc)
	if err != nil {
		return nil, nil
	}
	out := cred.Value
	out.GeminiCLI = fresh
	return &out, nil
}

// OnAuthFailure refreshes the token set and retries with the updated
// credential.
func (p *Provider) OnAuthFailure(ctx context.Context, _ *gateway.Request, cred *gateway.CredentialEntry, _ error) gateway.AuthRetryAction {
	gc := cred.Value.GeminiCLI
	if gc == nil {
		return gateway.AuthRetryAction{}
	}
	fresh, err := p.refresh(ctx, gc)
	if err != nil {
		return gateway.AuthRetryAction{}
	}
	out := cred.Value
	out.GeminiCLI = fresh
	return gateway.AuthRetryAction{Kind: gateway.AuthRetryUpdate, Credential: &out}
}

func jsonResult(status int, body map[string]any) (*gateway.OAuthResult, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &gateway.OAuthResult{Status: status, Body: raw}, nil
}
