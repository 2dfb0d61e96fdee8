package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keyward/keyward/internal/model"
)

type usageLogRow struct {
	ID           string    `db:"id"`
	CredentialID *string   `db:"credential_id"`
	Endpoint     string    `db:"endpoint"`
	Method       string    `db:"method"`
	Outcome      string    `db:"outcome"`
	StatusCode   int       `db:"status_code"`
	Units        int64     `db:"units"`
	LatencyMs    float64   `db:"latency_ms"`
	RequestID    string    `db:"request_id"`
	MetadataJSON *string   `db:"metadata_json"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r usageLogRow) toModel() model.UsageLogEntry {
	e := model.UsageLogEntry{
		ID:           r.ID,
		CredentialID: r.CredentialID,
		Endpoint:     r.Endpoint,
		Method:       r.Method,
		Outcome:      r.Outcome,
		StatusCode:   r.StatusCode,
		Units:        r.Units,
		LatencyMs:    r.LatencyMs,
		RequestID:    r.RequestID,
		CreatedAt:    r.CreatedAt,
	}
	if r.MetadataJSON != nil {
		// Metadata is informational; a corrupt blob is skipped rather than
		// failing the whole listing.
		_ = json.Unmarshal([]byte(*r.MetadataJSON), &e.Metadata)
	}
	return e
}

// InsertUsageLog appends one usage entry. ID and CreatedAt are filled in when
// empty.
func (s *Store) InsertUsageLog(ctx context.Context, e *model.UsageLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	row := usageLogRow{
		ID:           e.ID,
		CredentialID: e.CredentialID,
		Endpoint:     e.Endpoint,
		Method:       e.Method,
		Outcome:      e.Outcome,
		StatusCode:   e.StatusCode,
		Units:        e.Units,
		LatencyMs:    e.LatencyMs,
		RequestID:    e.RequestID,
		CreatedAt:    e.CreatedAt.UTC(),
	}
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal usage metadata: %w", err)
		}
		js := string(b)
		row.MetadataJSON = &js
	}

	const q = `INSERT INTO usage_log
		(id, credential_id, endpoint, method, outcome, status_code, units,
		 latency_ms, request_id, metadata_json, created_at)
		VALUES
		(:id, :credential_id, :endpoint, :method, :outcome, :status_code, :units,
		 :latency_ms, :request_id, :metadata_json, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

// ListUsageLog returns the most recent entries for a credential, newest
// first. A limit of zero or less returns up to 100 entries.
func (s *Store) ListUsageLog(ctx context.Context, credentialID string, limit int) ([]model.UsageLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []usageLogRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT id, credential_id, endpoint, method, outcome,
		status_code, units, latency_ms, request_id, metadata_json, created_at
		FROM usage_log WHERE credential_id = ?
		ORDER BY created_at DESC LIMIT ?`), credentialID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage log: %w", err)
	}
	out := make([]model.UsageLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// DeleteUsageLogBefore removes entries created before t and returns how many
// were removed.
func (s *Store) DeleteUsageLogBefore(ctx context.Context, t time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q("DELETE FROM usage_log WHERE created_at < ?"), t.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete usage log: %w", err)
	}
	return result.RowsAffected()
}
