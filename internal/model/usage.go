package model

import "time"

// OutcomeAdmitted is the outcome recorded for requests that passed the gate.
const OutcomeAdmitted = "admitted"

// UsageLogEntry is one append-only audit row per gated request. Entries are
// written asynchronously and never updated.
type UsageLogEntry struct {
	ID           string         `json:"id"`
	CredentialID *string        `json:"credential_id,omitempty"`
	Endpoint     string         `json:"endpoint"`
	Method       string         `json:"method"`
	Outcome      string         `json:"outcome"`
	StatusCode   int            `json:"status_code"`
	Units        int64          `json:"units"`
	LatencyMs    float64        `json:"latency_ms"`
	RequestID    string         `json:"request_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
