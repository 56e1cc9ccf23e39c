package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/heimdall/internal"
)

// oauthHandler resolves the named provider's OAuth surface, or nil when the
// provider does not exist or does not do OAuth.
func (s *server) oauthHandler(name string) gateway.OAuthHandler {
	rp, ok := s.deps.Runtime.ByName(name)
	if !ok {
		return nil
	}
	oh, ok := rp.Provider.(gateway.OAuthHandler)
	if !ok {
		return nil
	}
	return oh
}

func (s *server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	gateway.SetOperation(r.Context(), gateway.OpOAuthStart.String(), "")

	name := chi.URLParam(r, "provider")
	oh := s.oauthHandler(name)
	if oh == nil {
		writeProtocolError(w, gateway.ProtoOpenAIChat, http.StatusNotFound, "provider "+name+" does not support oauth")
		return
	}
	res, err := oh.OAuthStart(r.Context(), r.URL.Query(), r.Header)
	if err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	writeRawJSON(w, res.Status, res.Body)
}

func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	gateway.SetOperation(r.Context(), gateway.OpOAuthCallback.String(), "")

	name := chi.URLParam(r, "provider")
	oh := s.oauthHandler(name)
	if oh == nil {
		writeProtocolError(w, gateway.ProtoOpenAIChat, http.StatusNotFound, "provider "+name+" does not support oauth")
		return
	}
	res, err := oh.OAuthCallback(r.Context(), r.URL.Query(), r.Header)
	if err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	writeRawJSON(w, res.Status, res.Body)
}
