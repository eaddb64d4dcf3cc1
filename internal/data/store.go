package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/normanking/relay/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ═══════════════════════════════════════════════════════════════════════════════
// HISTORY
// ═══════════════════════════════════════════════════════════════════════════════

// AppendHistory persists one completed request.
func (s *Store) AppendHistory(ctx context.Context, rec *types.HistoryRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO history
			(request_id, session_id, user_id, prompt, response, vendor, model,
			 prompt_tokens, completion_tokens, cost_usd, error_class)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.SessionID, rec.UserID, rec.Prompt, rec.Response,
		string(rec.Vendor), rec.Model, rec.PromptTokens, rec.CompletionTokens,
		rec.Cost, rec.ErrorClass)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// RecentHistory returns the user's most recent exchanges, newest first.
func (s *Store) RecentHistory(ctx context.Context, userID string, limit int) ([]types.HistoryRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, session_id, user_id, prompt, response, vendor,
		       model, prompt_tokens, completion_tokens, cost_usd, error_class,
		       created_at
		FROM history
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []types.HistoryRecord
	for rows.Next() {
		var rec types.HistoryRecord
		var vendor string
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.SessionID, &rec.UserID,
			&rec.Prompt, &rec.Response, &vendor, &rec.Model,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.Cost,
			&rec.ErrorClass, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		rec.Vendor = types.Vendor(vendor)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HistoryByRequestID loads the persisted exchange for one request, used by
// trace replay to recover the original prompt.
func (s *Store) HistoryByRequestID(ctx context.Context, requestID string) (*types.HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, session_id, user_id, prompt, response, vendor,
		       model, prompt_tokens, completion_tokens, cost_usd, error_class,
		       created_at
		FROM history
		WHERE request_id = ?
		ORDER BY id DESC
		LIMIT 1`, requestID)

	var rec types.HistoryRecord
	var vendor string
	err := row.Scan(&rec.ID, &rec.RequestID, &rec.SessionID, &rec.UserID,
		&rec.Prompt, &rec.Response, &vendor, &rec.Model,
		&rec.PromptTokens, &rec.CompletionTokens, &rec.Cost,
		&rec.ErrorClass, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query history by request: %w", err)
	}
	rec.Vendor = types.Vendor(vendor)
	return &rec, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRACES
// ═══════════════════════════════════════════════════════════════════════════════

// SaveTrace persists a golden trace, keyed by request ID. A second save for
// the same request is rejected by the primary key, which backs up the
// exactly-once emission guarantee at the storage layer.
func (s *Store) SaveTrace(ctx context.Context, trace *types.TraceRecord) error {
	payload, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO traces (request_id, payload) VALUES (?, ?)`,
		trace.RequestID, string(payload))
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

// GetTrace loads the golden trace for a request ID.
func (s *Store) GetTrace(ctx context.Context, requestID string) (*types.TraceRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM traces WHERE request_id = ?`, requestID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query trace: %w", err)
	}

	var trace types.TraceRecord
	if err := json.Unmarshal([]byte(payload), &trace); err != nil {
		return nil, fmt.Errorf("unmarshal trace: %w", err)
	}
	return &trace, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLAIMS
// ═══════════════════════════════════════════════════════════════════════════════

// InsertClaims stores extracted claims in one transaction.
func (s *Store) InsertClaims(ctx context.Context, claims []types.Claim) error {
	if len(claims) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO claims (id, user_id, request_id, subject, statement)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range claims {
		if _, err := stmt.ExecContext(ctx, c.ID, c.UserID, c.RequestID, c.Subject, c.Statement); err != nil {
			return fmt.Errorf("insert claim %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// ClaimsForUser returns a user's stored claims, newest first.
func (s *Store) ClaimsForUser(ctx context.Context, userID string, limit int) ([]types.Claim, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, request_id, subject, statement, created_at
		FROM claims
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()

	var out []types.Claim
	for rows.Next() {
		var c types.Claim
		if err := rows.Scan(&c.ID, &c.UserID, &c.RequestID, &c.Subject, &c.Statement, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan claim row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════════
// ANALYTICS
// ═══════════════════════════════════════════════════════════════════════════════

// AnalyticsEvent is one per-request accounting row.
type AnalyticsEvent struct {
	RequestID string
	Vendor    types.Vendor
	Model     string
	Outcome   string
	LatencyMS int64
	CostUSD   float64
	CacheHit  bool
}

// InsertAnalytics records one request outcome for offline accounting.
func (s *Store) InsertAnalytics(ctx context.Context, ev *AnalyticsEvent) error {
	cacheHit := 0
	if ev.CacheHit {
		cacheHit = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analytics (request_id, vendor, model, outcome, latency_ms, cost_usd, cache_hit)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID, string(ev.Vendor), ev.Model, ev.Outcome, ev.LatencyMS, ev.CostUSD, cacheHit)
	if err != nil {
		return fmt.Errorf("insert analytics: %w", err)
	}
	return nil
}

// VendorSpend sums cost per vendor over the full analytics table.
func (s *Store) VendorSpend(ctx context.Context) (map[types.Vendor]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vendor, COALESCE(SUM(cost_usd), 0) FROM analytics GROUP BY vendor`)
	if err != nil {
		return nil, fmt.Errorf("query spend: %w", err)
	}
	defer rows.Close()

	out := make(map[types.Vendor]float64)
	for rows.Next() {
		var vendor string
		var spend float64
		if err := rows.Scan(&vendor, &spend); err != nil {
			return nil, fmt.Errorf("scan spend row: %w", err)
		}
		out[types.Vendor(vendor)] = spend
	}
	return out, rows.Err()
}
