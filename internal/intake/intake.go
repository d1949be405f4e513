// Package intake turns untrusted donation data from the intake channels --
// manual entry, payment-webhook producers, and batch imports -- into staged
// records. Intake never commits anything itself: with auto-promote enabled
// it hands the fresh record to the orchestrator, and a promotion failure
// still leaves the record staged for review.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"giftflow/internal/config"
	"giftflow/internal/domain"
	"giftflow/internal/journal"
	"giftflow/internal/staging"
)

// ErrStagingDisabled rejects intake while the staging pipeline is switched
// off in config.
var ErrStagingDisabled = errors.New("staging intake is disabled")

// Creator is the staging-store slice intake uses.
type Creator interface {
	Create(ctx context.Context, fields map[string]any) (staging.CreateResult, error)
}

// Promoter promotes a fresh record when auto-promote is on.
type Promoter interface {
	Promote(ctx context.Context, stagingID string) (domain.PromoteResult, error)
}

// Service stages normalized payloads from every intake channel.
type Service struct {
	Stagings Creator
	Promoter Promoter
	Journal  *journal.Writer
	Config   config.Staging
	Logger   *slog.Logger
}

func New(stagings Creator, promoter Promoter, cfg config.Staging, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Stagings: stagings, Promoter: promoter, Config: cfg, Logger: logger}
}

// Outcome reports what intake did with one donation.
type Outcome struct {
	StagingID string                `json:"stagingId"`
	Promotion *domain.PromoteResult `json:"promotion,omitempty"`
}

// ManualDonation is a reviewer-keyed donation.
type ManualDonation struct {
	DonorID              string
	CompanyID            string
	AmountMinor          int64
	AmountMajor          float64
	CurrencyCode         string
	FundID               string
	AppealID             string
	SegmentID            string
	GiftDate             string
	RecurringAgreementID string
	ExpectedAt           string
	ReceiptPolicy        string
	SourceFingerprint    string
	InKind               bool
	Grant                bool
}

// Manual stages a manually entered donation.
func (s *Service) Manual(ctx context.Context, d ManualDonation, actorID string) (Outcome, error) {
	if d.DonorID == "" && d.CompanyID == "" {
		return Outcome{}, fmt.Errorf("donor or company reference is required")
	}
	minor := d.AmountMinor
	if minor == 0 && d.AmountMajor != 0 {
		minor = int64(math.Round(d.AmountMajor * 100))
	}
	fingerprint := d.SourceFingerprint
	if fingerprint == "" {
		fingerprint = uuid.New().String()
	}
	m := basePayload(minor, d.CurrencyCode, "manual", fingerprint)
	setIf(m, "donorId", d.DonorID)
	setIf(m, "companyId", d.CompanyID)
	setIf(m, "fundId", d.FundID)
	setIf(m, "appealId", d.AppealID)
	setIf(m, "segmentId", d.SegmentID)
	setIf(m, "giftDate", d.GiftDate)
	setIf(m, "recurringAgreementId", d.RecurringAgreementID)
	setIf(m, "expectedAt", d.ExpectedAt)
	setIf(m, "receiptPolicy", d.ReceiptPolicy)
	if d.InKind {
		m["inKind"] = true
	}
	if d.Grant {
		m["grant"] = true
	}
	return s.stage(ctx, m, actorID)
}

// FromWebhook stages a parsed payment-provider event. Signature
// verification and event parsing happen upstream; the raw event is kept
// verbatim as provider context.
func (s *Service) FromWebhook(ctx context.Context, provider string, event map[string]any) (Outcome, error) {
	paymentID := stringField(event, "paymentId")
	if paymentID == "" {
		paymentID = stringField(event, "id")
	}
	minor := int64(math.Round(numberField(event, "amountMinor")))
	currency := stringField(event, "currency")
	if currency == "" {
		currency = stringField(event, "currencyCode")
	}
	fingerprint := paymentID
	if fingerprint == "" {
		fingerprint = uuid.New().String()
	}
	m := basePayload(minor, currency, "webhook:"+provider, fingerprint)
	setIf(m, "donorId", stringField(event, "donorId"))
	setIf(m, "companyId", stringField(event, "companyId"))
	setIf(m, "providerPaymentId", paymentID)
	setIf(m, "externalId", stringField(event, "externalId"))
	setIf(m, "giftDate", stringField(event, "occurredAt"))
	setIf(m, "recurringAgreementId", stringField(event, "recurringAgreementId"))
	m["providerContext"] = event
	return s.stage(ctx, m, "webhook:"+provider)
}

// ImportRow is one row of a batch import.
type ImportRow struct {
	ExternalID   string
	DonorID      string
	CompanyID    string
	AmountMinor  int64
	CurrencyCode string
	FundID       string
	AppealID     string
	GiftDate     string
}

// Import stages a batch of rows under one staging batch id. Row failures
// are collected; one bad row does not abort the batch.
func (s *Service) Import(ctx context.Context, source string, rows []ImportRow, actorID string) ([]Outcome, []error) {
	batchID := uuid.New().String()
	outcomes := make([]Outcome, 0, len(rows))
	var failures []error
	for i, row := range rows {
		m := basePayload(row.AmountMinor, row.CurrencyCode, "import:"+source, Fingerprint(source, row.ExternalID, row.AmountMinor))
		setIf(m, "externalId", row.ExternalID)
		setIf(m, "donorId", row.DonorID)
		setIf(m, "companyId", row.CompanyID)
		setIf(m, "fundId", row.FundID)
		setIf(m, "appealId", row.AppealID)
		setIf(m, "giftDate", row.GiftDate)
		m["stagingBatchId"] = batchID
		outcome, err := s.stage(ctx, m, actorID)
		if err != nil {
			failures = append(failures, fmt.Errorf("row %d: %w", i, err))
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, failures
}

// Fingerprint derives the deterministic source fingerprint for an imported
// row, stable across re-imports of the same data.
func Fingerprint(source, externalID string, amountMinor int64) string {
	seed := fmt.Sprintf("%s|%s|%d", source, externalID, amountMinor)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

func (s *Service) stage(ctx context.Context, m map[string]any, actorID string) (Outcome, error) {
	if !s.Config.Enabled {
		return Outcome{}, ErrStagingDisabled
	}
	status := domain.PromotionPending
	if s.Config.AutoPromote {
		status = domain.PromotionReadyForCommit
	}
	fields := createFields(m, status, s.Config.AutoPromote)

	s.Journal.Record(ctx, journal.TypeIntakeReceived, "", "", actorID, map[string]any{"intakeSource": m["intakeSource"]})
	res, err := s.Stagings.Create(ctx, fields)
	if err != nil {
		return Outcome{}, err
	}
	s.Journal.Record(ctx, journal.TypeStagingCreated, res.ID, "", actorID, map[string]any{"promotionStatus": string(status)})

	outcome := Outcome{StagingID: res.ID}
	if s.Config.AutoPromote && s.Promoter != nil {
		// Auto-promotion is opportunistic; on any failure the record stays
		// staged for review and intake still succeeds.
		promoRes, promoErr := s.Promoter.Promote(ctx, res.ID)
		if promoErr != nil {
			s.Logger.Warn("intake: auto-promote failed", "staging_id", res.ID, "error", promoErr)
		} else {
			outcome.Promotion = &promoRes
		}
	}
	return outcome, nil
}

// createFields serializes the payload and flattens the scalars the remote
// collection indexes on.
func createFields(m map[string]any, status domain.PromotionStatus, autoPromote bool) map[string]any {
	fields := map[string]any{
		"promotionStatus": string(status),
		"autoPromote":     autoPromote,
		"rawPayload":      serialize(m),
	}
	for _, key := range []string{
		"amountMinor", "amountMajor", "currencyCode",
		"donorId", "companyId",
		"intakeSource", "sourceFingerprint", "stagingBatchId",
		"recurringAgreementId", "expectedAt",
	} {
		if v, ok := m[key]; ok {
			fields[key] = v
		}
	}
	return fields
}

func basePayload(minor int64, currency, source, fingerprint string) map[string]any {
	major := float64(minor) / 100
	return map[string]any{
		"amountMinor":       minor,
		"amountMajor":       major,
		"currencyCode":      currency,
		"amount":            map[string]any{"value": major, "currencyCode": currency, "amountMicros": minor * 10000},
		"intakeSource":      source,
		"sourceFingerprint": fingerprint,
	}
}

func setIf(m map[string]any, key, val string) {
	if strings.TrimSpace(val) != "" {
		m[key] = strings.TrimSpace(val)
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func numberField(m map[string]any, key string) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func serialize(m map[string]any) string {
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}
