package intake_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giftflow/internal/config"
	"giftflow/internal/domain"
	"giftflow/internal/intake"
	"giftflow/internal/staging"
)

type fakeCreator struct {
	fields []map[string]any
	err    error
	nextID int
}

func (f *fakeCreator) Create(_ context.Context, fields map[string]any) (staging.CreateResult, error) {
	if f.err != nil {
		return staging.CreateResult{}, f.err
	}
	f.nextID++
	f.fields = append(f.fields, fields)
	return staging.CreateResult{ID: "s-" + string(rune('0'+f.nextID))}, nil
}

type fakePromoter struct {
	calls  []string
	result domain.PromoteResult
	err    error
}

func (f *fakePromoter) Promote(_ context.Context, id string) (domain.PromoteResult, error) {
	f.calls = append(f.calls, id)
	return f.result, f.err
}

func newService(cfg config.Staging) (*intake.Service, *fakeCreator, *fakePromoter) {
	creator := &fakeCreator{}
	promoter := &fakePromoter{result: domain.Committed("G-1")}
	svc := intake.New(creator, promoter, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, creator, promoter
}

func TestManualStagesPending(t *testing.T) {
	svc, creator, promoter := newService(config.Staging{Enabled: true})
	out, err := svc.Manual(context.Background(), intake.ManualDonation{
		DonorID:      "d-1",
		AmountMajor:  12.34,
		CurrencyCode: "GBP",
		FundID:       "f-1",
	}, "reviewer")
	require.NoError(t, err)
	assert.NotEmpty(t, out.StagingID)
	assert.Nil(t, out.Promotion)
	assert.Empty(t, promoter.calls)

	require.Len(t, creator.fields, 1)
	fields := creator.fields[0]
	assert.Equal(t, string(domain.PromotionPending), fields["promotionStatus"])
	assert.EqualValues(t, 1234, fields["amountMinor"])

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(fields["rawPayload"].(string)), &raw))
	assert.Equal(t, "d-1", raw["donorId"])
	assert.Equal(t, "f-1", raw["fundId"])
	assert.Equal(t, "manual", raw["intakeSource"])
	amt := raw["amount"].(map[string]any)
	assert.EqualValues(t, 12340000, amt["amountMicros"])
}

func TestManualRequiresIdentity(t *testing.T) {
	svc, _, _ := newService(config.Staging{Enabled: true})
	_, err := svc.Manual(context.Background(), intake.ManualDonation{AmountMinor: 100, CurrencyCode: "GBP"}, "reviewer")
	require.Error(t, err)
}

func TestStagingDisabledRejectsIntake(t *testing.T) {
	svc, creator, _ := newService(config.Staging{Enabled: false})
	_, err := svc.Manual(context.Background(), intake.ManualDonation{DonorID: "d-1", AmountMinor: 100, CurrencyCode: "GBP"}, "reviewer")
	require.ErrorIs(t, err, intake.ErrStagingDisabled)
	assert.Empty(t, creator.fields)
}

func TestAutoPromoteInvokesOrchestrator(t *testing.T) {
	svc, creator, promoter := newService(config.Staging{Enabled: true, AutoPromote: true})
	out, err := svc.Manual(context.Background(), intake.ManualDonation{DonorID: "d-1", AmountMinor: 500, CurrencyCode: "EUR"}, "reviewer")
	require.NoError(t, err)
	require.Len(t, promoter.calls, 1)
	require.NotNil(t, out.Promotion)
	assert.Equal(t, domain.ResultCommitted, out.Promotion.Status)
	assert.Equal(t, string(domain.PromotionReadyForCommit), creator.fields[0]["promotionStatus"])
}

func TestAutoPromoteFailureDoesNotFailIntake(t *testing.T) {
	svc, _, promoter := newService(config.Staging{Enabled: true, AutoPromote: true})
	promoter.err = errors.New("orchestrator unavailable")
	out, err := svc.Manual(context.Background(), intake.ManualDonation{DonorID: "d-1", AmountMinor: 500, CurrencyCode: "EUR"}, "reviewer")
	require.NoError(t, err)
	assert.NotEmpty(t, out.StagingID)
	assert.Nil(t, out.Promotion)
}

func TestWebhookPreservesProviderContext(t *testing.T) {
	svc, creator, _ := newService(config.Staging{Enabled: true})
	event := map[string]any{
		"id":          "pay_123",
		"amountMinor": float64(2500),
		"currency":    "GBP",
		"donorId":     "d-7",
		"occurredAt":  "2024-03-01",
		"metadata":    map[string]any{"campaign": "spring"},
	}
	out, err := svc.FromWebhook(context.Background(), "stripe", event)
	require.NoError(t, err)
	assert.NotEmpty(t, out.StagingID)

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(creator.fields[0]["rawPayload"].(string)), &raw))
	assert.Equal(t, "pay_123", raw["providerPaymentId"])
	assert.Equal(t, "webhook:stripe", raw["intakeSource"])
	ctxMap := raw["providerContext"].(map[string]any)
	assert.Equal(t, "pay_123", ctxMap["id"])
	assert.Equal(t, "spring", ctxMap["metadata"].(map[string]any)["campaign"])
}

func TestImportFingerprintIsStable(t *testing.T) {
	a := intake.Fingerprint("legacy-crm", "ext-1", 1234)
	b := intake.Fingerprint("legacy-crm", "ext-1", 1234)
	c := intake.Fingerprint("legacy-crm", "ext-2", 1234)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestImportCollectsRowFailures(t *testing.T) {
	svc, creator, _ := newService(config.Staging{Enabled: true})
	rows := []intake.ImportRow{
		{ExternalID: "ext-1", DonorID: "d-1", AmountMinor: 100, CurrencyCode: "GBP"},
		{ExternalID: "ext-2", DonorID: "d-2", AmountMinor: 200, CurrencyCode: "GBP"},
	}
	outcomes, failures := svc.Import(context.Background(), "legacy-crm", rows, "importer")
	require.Empty(t, failures)
	require.Len(t, outcomes, 2)
	assert.Equal(t, creator.fields[0]["stagingBatchId"], creator.fields[1]["stagingBatchId"])

	creator.err = errors.New("staging store down")
	_, failures = svc.Import(context.Background(), "legacy-crm", rows[:1], "importer")
	require.Len(t, failures, 1)
}
