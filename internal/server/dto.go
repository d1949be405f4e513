package server

import (
	"giftflow/internal/domain"
	"giftflow/internal/intake"
	"giftflow/internal/journal"
)

// Request payloads

type ManualDonationRequest struct {
	DonorID              string  `json:"donorId,omitempty"`
	CompanyID            string  `json:"companyId,omitempty"`
	AmountMinor          int64   `json:"amountMinor,omitempty"`
	AmountMajor          float64 `json:"amountMajor,omitempty"`
	CurrencyCode         string  `json:"currencyCode"`
	FundID               string  `json:"fundId,omitempty"`
	AppealID             string  `json:"appealId,omitempty"`
	SegmentID            string  `json:"segmentId,omitempty"`
	GiftDate             string  `json:"giftDate,omitempty" format:"date"`
	RecurringAgreementID string  `json:"recurringAgreementId,omitempty"`
	ExpectedAt           string  `json:"expectedAt,omitempty" format:"date-time"`
	ReceiptPolicy        string  `json:"receiptPolicy,omitempty"`
	SourceFingerprint    string  `json:"sourceFingerprint,omitempty"`
	InKind               bool    `json:"inKind,omitempty"`
	Grant                bool    `json:"grant,omitempty"`
}

type ImportRowRequest struct {
	ExternalID   string `json:"externalId"`
	DonorID      string `json:"donorId,omitempty"`
	CompanyID    string `json:"companyId,omitempty"`
	AmountMinor  int64  `json:"amountMinor"`
	CurrencyCode string `json:"currencyCode"`
	FundID       string `json:"fundId,omitempty"`
	AppealID     string `json:"appealId,omitempty"`
	GiftDate     string `json:"giftDate,omitempty" format:"date"`
}

type ImportRequest struct {
	Source string             `json:"source"`
	Rows   []ImportRowRequest `json:"rows"`
}

type UpdateStagingRequest struct {
	// Payload carries partial payload edits under the merge rules: an
	// explicit null or empty string clears a key, a value sets it, an
	// omitted key keeps the staged value.
	Payload          map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
	PromotionStatus  *string        `json:"promotionStatus,omitempty" enum:"pending,ready_for_commit"`
	ValidationStatus *string        `json:"validationStatus,omitempty"`
	DedupeStatus     *string        `json:"dedupeStatus,omitempty"`
}

// Response payloads

type IntakeOutcomeResponse struct {
	StagingID string                `json:"stagingId"`
	Promotion *domain.PromoteResult `json:"promotion,omitempty"`
}

type ImportResponse struct {
	Staged   []IntakeOutcomeResponse `json:"staged"`
	Failures []string                `json:"failures,omitempty"`
}

type StagingResponse struct {
	ID                   string   `json:"id"`
	PromotionStatus      string   `json:"promotionStatus" enum:"pending,ready_for_commit,committing,committed,commit_failed"`
	ValidationStatus     string   `json:"validationStatus,omitempty"`
	DedupeStatus         string   `json:"dedupeStatus,omitempty"`
	GiftID               string   `json:"giftId,omitempty"`
	RecurringAgreementID string   `json:"recurringAgreementId,omitempty"`
	ExpectedAt           string   `json:"expectedAt,omitempty"`
	ErrorDetail          string   `json:"errorDetail,omitempty"`
	AmountMinor          int64    `json:"amountMinor,omitempty"`
	AmountMajor          float64  `json:"amountMajor,omitempty"`
	CurrencyCode         string   `json:"currencyCode,omitempty"`
	DonorID              string   `json:"donorId,omitempty"`
	CompanyID            string   `json:"companyId,omitempty"`
	IntakeSource         string   `json:"intakeSource,omitempty"`
	SourceFingerprint    string   `json:"sourceFingerprint,omitempty"`
	StagingBatchID       string   `json:"stagingBatchId,omitempty"`
	AutoPromote          bool     `json:"autoPromote,omitempty"`
	ReceiptStatus        string   `json:"receiptStatus,omitempty"`
	ReceiptPolicyApplied string   `json:"receiptPolicyApplied,omitempty"`
	ReceiptChannel       string   `json:"receiptChannel,omitempty"`
	ReceiptDedupeKey     string   `json:"receiptDedupeKey,omitempty"`
	RawPayload           string   `json:"rawPayload,omitempty"`
	ReceiptWarnings      []string `json:"receiptWarnings,omitempty"`
	CreatedAt            string   `json:"createdAt,omitempty" format:"date-time"`
	UpdatedAt            string   `json:"updatedAt,omitempty" format:"date-time"`
}

type paginatedStagings struct {
	Items      []StagingResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type journalPage struct {
	Items []journal.Event `json:"items"`
}

func manualDonation(req ManualDonationRequest) intake.ManualDonation {
	return intake.ManualDonation{
		DonorID:              req.DonorID,
		CompanyID:            req.CompanyID,
		AmountMinor:          req.AmountMinor,
		AmountMajor:          req.AmountMajor,
		CurrencyCode:         req.CurrencyCode,
		FundID:               req.FundID,
		AppealID:             req.AppealID,
		SegmentID:            req.SegmentID,
		GiftDate:             req.GiftDate,
		RecurringAgreementID: req.RecurringAgreementID,
		ExpectedAt:           req.ExpectedAt,
		ReceiptPolicy:        req.ReceiptPolicy,
		SourceFingerprint:    req.SourceFingerprint,
		InKind:               req.InKind,
		Grant:                req.Grant,
	}
}

func importRow(req ImportRowRequest) intake.ImportRow {
	return intake.ImportRow{
		ExternalID:   req.ExternalID,
		DonorID:      req.DonorID,
		CompanyID:    req.CompanyID,
		AmountMinor:  req.AmountMinor,
		CurrencyCode: req.CurrencyCode,
		FundID:       req.FundID,
		AppealID:     req.AppealID,
		GiftDate:     req.GiftDate,
	}
}

func outcomeResponse(o intake.Outcome) IntakeOutcomeResponse {
	return IntakeOutcomeResponse{StagingID: o.StagingID, Promotion: o.Promotion}
}

func stagingResponse(rec domain.StagingRecord) StagingResponse {
	return StagingResponse{
		ID:                   rec.ID,
		PromotionStatus:      string(rec.PromotionStatus),
		ValidationStatus:     rec.ValidationStatus,
		DedupeStatus:         rec.DedupeStatus,
		GiftID:               rec.GiftID,
		RecurringAgreementID: rec.RecurringAgreementID,
		ExpectedAt:           rec.ExpectedAt,
		ErrorDetail:          rec.ErrorDetail,
		AmountMinor:          rec.AmountMinor,
		AmountMajor:          rec.AmountMajor,
		CurrencyCode:         rec.CurrencyCode,
		DonorID:              rec.DonorID,
		CompanyID:            rec.CompanyID,
		IntakeSource:         rec.IntakeSource,
		SourceFingerprint:    rec.SourceFingerprint,
		StagingBatchID:       rec.StagingBatchID,
		AutoPromote:          rec.AutoPromote,
		ReceiptStatus:        rec.ReceiptStatus,
		ReceiptPolicyApplied: rec.ReceiptPolicyApplied,
		ReceiptChannel:       rec.ReceiptChannel,
		ReceiptDedupeKey:     rec.ReceiptDedupeKey,
		RawPayload:           rec.RawPayload,
		ReceiptWarnings:      rec.ReceiptWarnings,
		CreatedAt:            rec.CreatedAt,
		UpdatedAt:            rec.UpdatedAt,
	}
}

func mapStagings(records []domain.StagingRecord) []StagingResponse {
	items := make([]StagingResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, stagingResponse(rec))
	}
	return items
}
