package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/app"
)

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListProviders(r.Context())
	if err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (s *server) handleUpsertProvider(w http.ResponseWriter, r *http.Request) {
	var rec gateway.ProviderRecord
	if err := decodeJSON(w, r, &rec); err != nil {
		writeProtocolError(w, gateway.ProtoOpenAIChat, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if rec.Name == "" || rec.Kind == "" {
		writeProtocolError(w, gateway.ProtoOpenAIChat, http.StatusBadRequest, "name and kind are required")
		return
	}
	if err := s.deps.Store.UpsertProvider(r.Context(), &rec); err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	if err := s.deps.Runtime.Reload(r.Context()); err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	writeJSON(w, http.StatusOK, &rec)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.GetProviderByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	if err := s.deps.Store.DeleteProvider(r.Context(), rec.ID); err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	if err := s.deps.Runtime.Reload(r.Context()); err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// credentialSummary is the admin-facing view of a credential row. Secret
// material never leaves the gateway.
type credentialSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Enabled   bool      `json:"enabled"`
	Weight    uint32    `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func summarize(rec *gateway.CredentialRecord) credentialSummary {
	return credentialSummary{
		ID:        rec.ID,
		Name:      rec.Name,
		Kind:      string(rec.Value.Kind),
		Enabled:   rec.Enabled,
		Weight:    rec.Weight,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func (s *server) providerByName(w http.ResponseWriter, r *http.Request) (*gateway.ProviderRecord, bool) {
	rec, err := s.deps.Store.GetProviderByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return nil, false
	}
	return rec, true
}

func (s *server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	prov, ok := s.providerByName(w, r)
	if !ok {
		return
	}
	creds, err := s.deps.Store.ListCredentials(r.Context(), prov.ID)
	if err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	out := make([]credentialSummary, 0, len(creds))
	for i := range creds {
		out = append(out, summarize(&creds[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": out})
}

// upsertCredentialRequest uses pointers so omitted fields keep their
// defaults (enabled, weight 1) instead of zeroing an existing row.
type upsertCredentialRequest struct {
	Name    string             `json:"name"`
	Enabled *bool              `json:"enabled,omitempty"`
	Weight  *uint32            `json:"weight,omitempty"`
	Value   gateway.Credential `json:"value"`
}

func (s *server) handleUpsertCredential(w http.ResponseWriter, r *http.Request) {
	prov, ok := s.providerByName(w, r)
	if !ok {
		return
	}
	var body upsertCredentialRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeProtocolError(w, gateway.ProtoOpenAIChat, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Name == "" {
		writeProtocolError(w, gateway.ProtoOpenAIChat, http.StatusBadRequest, "name is required")
		return
	}
	rec := gateway.CredentialRecord{
		ProviderID: prov.ID,
		Name:       body.Name,
		Enabled:    true,
		Weight:     1,
		Value:      body.Value,
	}
	if body.Enabled != nil {
		rec.Enabled = *body.Enabled
	}
	if body.Weight != nil {
		rec.Weight = *body.Weight
	}
	if err := s.deps.Store.UpsertCredential(r.Context(), &rec); err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	// Publish into the live pool without rebuilding the adapter.
	if rp, ok := s.deps.Runtime.ByName(prov.Name); ok {
		rp.Pool.Upsert(rec.Entry())
	}
	writeJSON(w, http.StatusOK, summarize(&rec))
}

func (s *server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.providerByName(w, r); !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteCredential(r.Context(), id); err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	if err := s.deps.Runtime.Reload(r.Context()); err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListKeys(r.Context())
	if err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

type createKeyRequest struct {
	Owner string `json:"owner"`
	Role  string `json:"role,omitempty"`
	Name  string `json:"name,omitempty"`
}

type createKeyResponse struct {
	Key string          `json:"key"` // plaintext, shown once
	Rec *gateway.APIKey `json:"record"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var body createKeyRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeProtocolError(w, gateway.ProtoOpenAIChat, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	plaintext, rec, err := s.deps.Keys.CreateKey(r.Context(), app.CreateKeyOpts{
		Owner: body.Owner,
		Role:  body.Role,
		Name:  body.Name,
	})
	if err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: plaintext, Rec: rec})
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.DeleteKey(r.Context(), id); err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	if s.deps.KeyInvalidator != nil {
		s.deps.KeyInvalidator.InvalidateByKeyID(id)
	}
	w.WriteHeader(http.StatusNoContent)
}
