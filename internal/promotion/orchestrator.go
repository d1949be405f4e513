// Package promotion holds the staging-to-ledger state machine. Each
// invocation works on one immutable snapshot of a staging record, decides
// eligibility, executes the remote commit, and persists the outcome. The
// advisory "committing" status is the only cross-process guard; a second
// caller observing it is deferred, never retried automatically.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"giftflow/internal/config"
	"giftflow/internal/domain"
	"giftflow/internal/journal"
	"giftflow/internal/payload"
	"giftflow/internal/staging"
)

// ErrEmptyStagingID is the only error Promote returns; every pipeline
// outcome is expressed as a typed result instead.
var ErrEmptyStagingID = errors.New("staging id is required")

// StagingStore is the slice of the staging accessor the orchestrator uses.
type StagingStore interface {
	Get(ctx context.Context, id string) (domain.StagingRecord, error)
	Patch(ctx context.Context, id string, fields map[string]any) error
	List(ctx context.Context, query url.Values) (staging.Page, error)
}

// GiftCreator creates the canonical gift record.
type GiftCreator interface {
	Create(ctx context.Context, payload map[string]any) (string, error)
}

// AgreementAdvancer advances a recurring agreement after a commit.
type AgreementAdvancer interface {
	Advance(ctx context.Context, id, nextExpectedAt, status string) error
}

// ReceiptApplier resolves receipt metadata on the payload before commit.
type ReceiptApplier interface {
	Apply(m map[string]any) map[string]any
}

// Orchestrator drives the promotion state machine.
type Orchestrator struct {
	Stagings   StagingStore
	Gifts      GiftCreator
	Agreements AgreementAdvancer
	Receipts   ReceiptApplier
	Journal    *journal.Writer
	Logger     *slog.Logger
	Now        func() time.Time

	// Eligibility selects the promotion gate: permissive admits on
	// promotion status alone, strict additionally requires the validation
	// and dedupe review signals to have passed.
	Eligibility string
}

func New(stagings StagingStore, gifts GiftCreator, agreements AgreementAdvancer, receipts ReceiptApplier, cfg config.Promotion, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Stagings:    stagings,
		Gifts:       gifts,
		Agreements:  agreements,
		Receipts:    receipts,
		Logger:      logger,
		Now:         time.Now,
		Eligibility: cfg.Eligibility,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Promote attempts to commit one staging record into the gift ledger,
// exactly once. It returns an error only for a blank staging id; every
// other outcome, including remote failures, is a typed result.
func (o *Orchestrator) Promote(ctx context.Context, stagingID string) (domain.PromoteResult, error) {
	if strings.TrimSpace(stagingID) == "" {
		return domain.PromoteResult{}, ErrEmptyStagingID
	}
	o.Journal.Record(ctx, journal.TypePromotionAttempted, stagingID, "", "", nil)

	rec, err := o.Stagings.Get(ctx, stagingID)
	if err != nil {
		o.Logger.Warn("promotion: fetch staging failed", "staging_id", stagingID, "error", err)
		o.Journal.Record(ctx, journal.TypePromotionFailed, stagingID, "", "", map[string]any{"error": "fetch_failed"})
		return domain.Errored(domain.ErrFetchFailed), nil
	}

	if rec.PromotionStatus == domain.PromotionCommitted {
		if rec.GiftID != "" {
			// Idempotent no-op: the gift exists, nothing to redo.
			o.Logger.Info("promotion: already committed", "staging_id", rec.ID, "gift_id", rec.GiftID)
			return domain.Committed(rec.GiftID), nil
		}
		// Committed without a gift id is a data anomaly. Warn and fall
		// through to the eligibility gate rather than treating the record
		// as corrupt.
		o.Logger.Warn("promotion: committed record missing gift id", "staging_id", rec.ID)
	}

	if rec.PromotionStatus == domain.PromotionCommitting {
		// Another caller holds the advisory lock; defer without mutating.
		return domain.Deferred(domain.DeferralLocked), nil
	}

	if !o.eligible(rec) {
		o.Journal.Record(ctx, journal.TypePromotionDeferred, rec.ID, "", "", map[string]any{"reason": "not_ready", "promotionStatus": string(rec.PromotionStatus)})
		return domain.Deferred(domain.DeferralNotReady), nil
	}

	parsed, err := payload.Parse(rec.RawPayload)
	if err != nil {
		o.persistFailure(ctx, rec.ID, fmt.Sprintf("staged payload unreadable: %v", err))
		o.Journal.Record(ctx, journal.TypePromotionDeferred, rec.ID, "", "", map[string]any{"reason": "missing_payload"})
		return domain.Deferred(domain.DeferralMissingPayload), nil
	}

	typed, err := payload.Validate(parsed)
	if err != nil {
		o.persistFailure(ctx, rec.ID, err.Error())
		o.Journal.Record(ctx, journal.TypePromotionFailed, rec.ID, "", "", map[string]any{"error": "payload_invalid"})
		return domain.Errored(domain.ErrPayloadInvalid), nil
	}

	// Advisory lock. Failure to persist it is logged, not fatal: the
	// commit attempt proceeds on the snapshot we already hold.
	if err := o.Stagings.Patch(ctx, rec.ID, map[string]any{"promotionStatus": string(domain.PromotionCommitting)}); err != nil {
		o.Logger.Warn("promotion: persist committing failed", "staging_id", rec.ID, "error", err)
	}

	withReceipts := o.Receipts.Apply(parsed)

	giftID, err := o.Gifts.Create(ctx, payload.GiftPayload(withReceipts))
	if err != nil {
		o.persistFailure(ctx, rec.ID, err.Error())
		o.Journal.Record(ctx, journal.TypePromotionFailed, rec.ID, "", "", map[string]any{"error": "gift_api_failed", "detail": err.Error()})
		return domain.Errored(domain.ErrGiftAPIFailed), nil
	}

	fields := map[string]any{
		"promotionStatus":      string(domain.PromotionCommitted),
		"giftId":               giftID,
		"receiptStatus":        withReceipts["receiptStatus"],
		"receiptPolicyApplied": withReceipts["receiptPolicy"],
		"receiptChannel":       withReceipts["receiptChannel"],
		"receiptDedupeKey":     withReceipts["receiptDedupeKey"],
	}
	if err := o.Stagings.Patch(ctx, rec.ID, fields); err != nil {
		// The gift exists; the stale staging status is an operational
		// follow-up, not a reason to report failure.
		o.Logger.Error("promotion: persist committed failed", "staging_id", rec.ID, "gift_id", giftID, "error", err)
	}

	if rec.RecurringAgreementID != "" {
		o.advanceAgreement(ctx, rec, typed)
	}

	o.Journal.Record(ctx, journal.TypePromotionCommitted, rec.ID, giftID, "", nil)
	o.Logger.Info("promotion: committed", "staging_id", rec.ID, "gift_id", giftID)
	return domain.Committed(giftID), nil
}

// eligible applies the configured promotion gate to a record snapshot.
func (o *Orchestrator) eligible(rec domain.StagingRecord) bool {
	switch rec.PromotionStatus {
	case domain.PromotionReadyForCommit, domain.PromotionCommitFailed:
	default:
		return false
	}
	if o.Eligibility == config.EligibilityStrict {
		return rec.ValidationStatus == "passed" && rec.DedupeStatus == "passed"
	}
	return true
}

// persistFailure marks the record commit_failed with a diagnostic. Best
// effort: a patch failure here is itself only logged.
func (o *Orchestrator) persistFailure(ctx context.Context, id, detail string) {
	err := o.Stagings.Patch(ctx, id, map[string]any{
		"promotionStatus": string(domain.PromotionCommitFailed),
		"errorDetail":     detail,
	})
	if err != nil {
		o.Logger.Warn("promotion: persist commit_failed failed", "staging_id", id, "error", err)
	}
}

// advanceAgreement moves the recurring agreement forward after a commit.
// The next expected date is the record's explicit expectedAt when present,
// otherwise the gift date plus one month. A failure here never reverses
// the commit.
func (o *Orchestrator) advanceAgreement(ctx context.Context, rec domain.StagingRecord, typed domain.NormalizedPayload) {
	next := rec.ExpectedAt
	if next == "" {
		next = parseGiftDate(typed.GiftDate, o.now()).AddDate(0, 1, 0).UTC().Format(time.RFC3339)
	}
	if err := o.Agreements.Advance(ctx, rec.RecurringAgreementID, next, "active"); err != nil {
		o.Logger.Warn("promotion: advance recurring agreement failed", "staging_id", rec.ID, "agreement_id", rec.RecurringAgreementID, "error", err)
	}
}

func parseGiftDate(giftDate string, fallback time.Time) time.Time {
	if giftDate == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, giftDate); err == nil {
			return t
		}
	}
	return fallback
}
