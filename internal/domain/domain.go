package domain

// PromotionStatus is the staging record's position in the promotion
// state machine. Transitions are owned by the promotion orchestrator;
// intake only ever creates records as pending or ready_for_commit.
type PromotionStatus string

const (
	PromotionPending        PromotionStatus = "pending"
	PromotionReadyForCommit PromotionStatus = "ready_for_commit"
	PromotionCommitting     PromotionStatus = "committing"
	PromotionCommitted      PromotionStatus = "committed"
	PromotionCommitFailed   PromotionStatus = "commit_failed"
)

// StagingRecord is the durable, reviewable representation of a donation
// before it is committed to the remote gift ledger. Field names follow the
// remote staging collection's wire format.
type StagingRecord struct {
	ID              string          `json:"id"`
	PromotionStatus PromotionStatus `json:"promotionStatus"`
	// ValidationStatus and DedupeStatus are auxiliary review signals. They
	// gate promotion only under the strict eligibility policy.
	ValidationStatus string `json:"validationStatus,omitempty"`
	DedupeStatus     string `json:"dedupeStatus,omitempty"`

	// RawPayload holds the serialized normalized payload. Reviewer edits
	// re-merge into this field; the orchestrator parses it at commit time.
	RawPayload string `json:"rawPayload,omitempty"`

	// GiftID is set exactly once, on successful commit, and never changes.
	GiftID               string `json:"giftId,omitempty"`
	RecurringAgreementID string `json:"recurringAgreementId,omitempty"`
	ExpectedAt           string `json:"expectedAt,omitempty"`
	ErrorDetail          string `json:"errorDetail,omitempty"`

	ReceiptStatus        string   `json:"receiptStatus,omitempty"`
	ReceiptPolicyApplied string   `json:"receiptPolicyApplied,omitempty"`
	ReceiptChannel       string   `json:"receiptChannel,omitempty"`
	ReceiptDedupeKey     string   `json:"receiptDedupeKey,omitempty"`
	ReceiptWarnings      []string `json:"receiptWarnings,omitempty"`

	// Flattened scalar duplicates of the payload, used to reconstruct a
	// minimal payload when rawPayload is absent or unparsable.
	AmountMinor       int64   `json:"amountMinor,omitempty"`
	AmountMajor       float64 `json:"amountMajor,omitempty"`
	CurrencyCode      string  `json:"currencyCode,omitempty"`
	DonorID           string  `json:"donorId,omitempty"`
	CompanyID         string  `json:"companyId,omitempty"`
	IntakeSource      string  `json:"intakeSource,omitempty"`
	SourceFingerprint string  `json:"sourceFingerprint,omitempty"`
	StagingBatchID    string  `json:"stagingBatchId,omitempty"`
	AutoPromote       bool    `json:"autoPromote,omitempty"`

	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// Amount is the canonical money view inside a normalized payload.
// AmountMicros is the source of truth; Value is the major-unit rendering.
type Amount struct {
	Value        float64 `json:"value"`
	CurrencyCode string  `json:"currencyCode"`
	AmountMicros int64   `json:"amountMicros"`
}

// NormalizedPayload is the typed view of a staged donation payload after it
// has passed structural validation. Untyped intake data lives in
// map[string]any until then.
type NormalizedPayload struct {
	Amount      Amount  `json:"amount"`
	AmountMinor int64   `json:"amountMinor,omitempty"`
	AmountMajor float64 `json:"amountMajor,omitempty"`

	DonorID   string `json:"donorId,omitempty"`
	CompanyID string `json:"companyId,omitempty"`

	FundID        string `json:"fundId,omitempty"`
	AppealID      string `json:"appealId,omitempty"`
	SegmentID     string `json:"segmentId,omitempty"`
	TrackingID    string `json:"trackingId,omitempty"`
	OpportunityID string `json:"opportunityId,omitempty"`

	IntakeSource      string         `json:"intakeSource,omitempty"`
	SourceFingerprint string         `json:"sourceFingerprint,omitempty"`
	ProviderPaymentID string         `json:"providerPaymentId,omitempty"`
	ProviderContext   map[string]any `json:"providerContext,omitempty"`
	ExternalID        string         `json:"externalId,omitempty"`

	GiftDate             string `json:"giftDate,omitempty"`
	RecurringAgreementID string `json:"recurringAgreementId,omitempty"`
	ExpectedAt           string `json:"expectedAt,omitempty"`

	ReceiptPolicy    string `json:"receiptPolicy,omitempty"`
	ReceiptChannel   string `json:"receiptChannel,omitempty"`
	ReceiptDedupeKey string `json:"receiptDedupeKey,omitempty"`
	ReceiptStatus    string `json:"receiptStatus,omitempty"`

	InKind bool `json:"inKind,omitempty"`
	Grant  bool `json:"grant,omitempty"`

	StagingBatchID string `json:"stagingBatchId,omitempty"`
	AutoPromote    bool   `json:"autoPromote,omitempty"`
}

// ResultStatus tags a PromoteResult.
type ResultStatus string

const (
	ResultCommitted ResultStatus = "committed"
	ResultDeferred  ResultStatus = "deferred"
	ResultError     ResultStatus = "error"
)

// DeferralReason explains a deferred result. Deferred is not an error;
// the caller owns the retry cadence.
type DeferralReason string

const (
	DeferralNotReady       DeferralReason = "not_ready"
	DeferralLocked         DeferralReason = "locked"
	DeferralMissingPayload DeferralReason = "missing_payload"
)

// PromoteErrorCode classifies promotion failures for the caller.
type PromoteErrorCode string

const (
	ErrFetchFailed    PromoteErrorCode = "fetch_failed"
	ErrPayloadInvalid PromoteErrorCode = "payload_invalid"
	ErrGiftAPIFailed  PromoteErrorCode = "gift_api_failed"
)

// PromoteResult is the typed outcome of a promotion attempt. Exactly one of
// GiftID, Reason, or Code is meaningful depending on Status.
type PromoteResult struct {
	Status ResultStatus     `json:"status" enum:"committed,deferred,error"`
	GiftID string           `json:"giftId,omitempty"`
	Reason DeferralReason   `json:"reason,omitempty" enum:"not_ready,locked,missing_payload"`
	Code   PromoteErrorCode `json:"error,omitempty" enum:"fetch_failed,payload_invalid,gift_api_failed"`
}

func Committed(giftID string) PromoteResult {
	return PromoteResult{Status: ResultCommitted, GiftID: giftID}
}

func Deferred(reason DeferralReason) PromoteResult {
	return PromoteResult{Status: ResultDeferred, Reason: reason}
}

func Errored(code PromoteErrorCode) PromoteResult {
	return PromoteResult{Status: ResultError, Code: code}
}
