// Package journal keeps a local append-only audit trail of intake and
// promotion activity. Writes are best-effort: a journal failure is logged
// and never propagated, so the pipeline's primary result is unaffected.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"
)

// Event types recorded by the pipeline.
const (
	TypeIntakeReceived     = "intake.received"
	TypeStagingCreated     = "staging.created"
	TypePayloadMerged      = "staging.payload.merged"
	TypePromotionAttempted = "promotion.attempted"
	TypePromotionCommitted = "promotion.committed"
	TypePromotionDeferred  = "promotion.deferred"
	TypePromotionFailed    = "promotion.failed"
	TypeReconcileStuck     = "reconcile.stuck_reported"
)

type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	StagingID string         `json:"staging_id,omitempty"`
	GiftID    string         `json:"gift_id,omitempty"`
	ActorID   string         `json:"actor_id"`
	Detail    map[string]any `json:"detail"`
}

// Writer appends journal events. A nil *Writer is a valid no-op sink, so
// callers never need to branch on journalling being configured.
type Writer struct {
	DB     *sql.DB
	Logger *slog.Logger
	Now    func() time.Time
}

func NewWriter(db *sql.DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{DB: db, Logger: logger, Now: time.Now}
}

// Record appends one event. Failures are logged, never returned.
func (w *Writer) Record(ctx context.Context, evtType, stagingID, giftID, actorID string, detail map[string]any) {
	if w == nil || w.DB == nil {
		return
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if actorID == "" {
		actorID = "system"
	}
	if detail == nil {
		detail = map[string]any{}
	}
	data, err := json.Marshal(detail)
	if err != nil {
		w.logger().Warn("journal: marshal detail failed", "type", evtType, "error", err)
		return
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO journal_events(ts,type,staging_id,gift_id,actor_id,detail_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(stagingID), nullable(giftID), actorID, string(data))
	if err != nil {
		w.logger().Warn("journal: append failed", "type", evtType, "staging_id", stagingID, "error", err)
	}
}

func (w *Writer) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Reader lists journal events for the CLI and API.
type Reader struct {
	DB *sql.DB
}

func NewReader(db *sql.DB) *Reader {
	return &Reader{DB: db}
}

// Tail returns up to limit events with id greater than afterID, oldest
// first.
func (r *Reader) Tail(ctx context.Context, limit int, afterID int64) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(staging_id,''),COALESCE(gift_id,''),actor_id,detail_json
		 FROM journal_events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var evt Event
		var detail string
		if err := rows.Scan(&evt.ID, &evt.TS, &evt.Type, &evt.StagingID, &evt.GiftID, &evt.ActorID, &detail); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(detail), &evt.Detail); err != nil {
			evt.Detail = map[string]any{"raw": detail}
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
