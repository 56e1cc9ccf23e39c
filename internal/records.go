package gateway

import "time"

// ProviderRecord is a configured upstream provider row. Name is unique; ID is
// assigned by the store.
type ProviderRecord struct {
	ID            int64             `json:"id"`
	Name          string            `json:"name"`
	Kind          string            `json:"kind"`               // claudecode, codex, geminicli, vertex, compat
	Protocol      string            `json:"protocol,omitempty"` // compat backends only
	BaseURL       string            `json:"base_url,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	OutboundProxy string            `json:"outbound_proxy,omitempty"`
	Enabled       bool              `json:"enabled"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// CredentialRecord is the persisted form of a pool entry, keyed by
// (provider_id, name).
type CredentialRecord struct {
	ID         string     `json:"id"`
	ProviderID int64      `json:"provider_id"`
	Name       string     `json:"name"`
	Enabled    bool       `json:"enabled"`
	Weight     uint32     `json:"weight"`
	Value      Credential `json:"value"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Entry projects the record into its pool form.
func (r *CredentialRecord) Entry() CredentialEntry {
	return CredentialEntry{
		ID:      r.ID,
		Name:    r.Name,
		Enabled: r.Enabled,
		Weight:  r.Weight,
		Value:   r.Value,
	}
}

// User is an account that owns inbound API keys.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"` // "admin" or "user"
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is an inbound gateway key. Only the SHA-256 hash of the presented
// key is stored. UserRole is the owning user's role, filled on reads.
type APIKey struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	KeyHash    string    `json:"-"`
	Enabled    bool      `json:"enabled"`
	UserRole   string    `json:"user_role,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"` // zero = never
}

// DownstreamTrafficEvent records one inbound request.
type DownstreamTrafficEvent struct {
	ID         string    `json:"id"`
	TraceID    string    `json:"trace_id"`
	UserID     string    `json:"user_id,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Query      string    `json:"query,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Op         string    `json:"op,omitempty"`
	Model      string    `json:"model,omitempty"`
	Status     int       `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	Cancelled  bool      `json:"cancelled,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// UpstreamTrafficEvent records one upstream attempt.
type UpstreamTrafficEvent struct {
	ID           string        `json:"id"`
	TraceID      string        `json:"trace_id"`
	ProviderID   int64         `json:"provider_id"`
	ProviderName string        `json:"provider_name"`
	CredentialID string        `json:"credential_id,omitempty"`
	Op           string        `json:"op"`
	Model        string        `json:"model,omitempty"`
	AttemptNo    int           `json:"attempt_no"`
	Status       int           `json:"status"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	DurationMS   int64         `json:"duration_ms"`
	Cancelled    bool          `json:"cancelled,omitempty"`
	Usage        *TrafficUsage `json:"usage,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// UsageQuery filters upstream-usage aggregation. Zero Start/End mean
// unbounded; empty Model matches every model.
type UsageQuery struct {
	CredentialID string
	Model        string
	Start        time.Time
	End          time.Time
}
