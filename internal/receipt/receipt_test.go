package receipt_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"giftflow/internal/config"
	"giftflow/internal/receipt"
)

func newEvaluator(cfg config.Receipts) *receipt.Evaluator {
	return receipt.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func stdConfig() config.Receipts {
	return config.Receipts{
		RecurringPolicy: "recurring-standard",
		OneOffPolicy:    "oneoff-standard",
		DefaultChannel:  "email",
	}
}

func amountPayload(micros float64) map[string]any {
	return map[string]any{
		"donorId": "d-1",
		"amount":  map[string]any{"value": micros / 1000000, "currencyCode": "GBP", "amountMicros": micros},
	}
}

func TestPolicyDefaults(t *testing.T) {
	e := newEvaluator(stdConfig())

	out := e.Apply(amountPayload(1000000))
	assert.Equal(t, "oneoff-standard", out["receiptPolicy"])
	assert.Equal(t, "email", out["receiptChannel"])
	assert.Equal(t, receipt.StatusPending, out["receiptStatus"])

	in := amountPayload(1000000)
	in["recurringAgreementId"] = "ra-1"
	out = e.Apply(in)
	assert.Equal(t, "recurring-standard", out["receiptPolicy"])

	in = amountPayload(1000000)
	in["receiptPolicy"] = "major-donor"
	out = e.Apply(in)
	assert.Equal(t, "major-donor", out["receiptPolicy"])
}

func TestDedupeKeyPrecedence(t *testing.T) {
	e := newEvaluator(stdConfig())

	in := amountPayload(1000000)
	in["receiptDedupeKey"] = "explicit"
	in["providerPaymentId"] = "pay_1"
	in["sourceFingerprint"] = "fp_1"
	in["externalId"] = "ext_1"
	assert.Equal(t, "explicit", e.Apply(in)["receiptDedupeKey"])

	delete(in, "receiptDedupeKey")
	assert.Equal(t, "pay_1", e.Apply(in)["receiptDedupeKey"])

	delete(in, "providerPaymentId")
	assert.Equal(t, "fp_1", e.Apply(in)["receiptDedupeKey"])

	delete(in, "sourceFingerprint")
	assert.Equal(t, "ext_1", e.Apply(in)["receiptDedupeKey"])
}

func TestAutoSuppressOverThreshold(t *testing.T) {
	cfg := stdConfig()
	cfg.AutoSuppressMinorUnits = 10000
	e := newEvaluator(cfg)

	// 20000 minor units = 200000000 micros
	in := amountPayload(200000000)
	in["receiptSentAt"] = "2024-01-01T00:00:00Z"
	in["receiptError"] = "smtp timeout"
	out := e.Apply(in)
	assert.Equal(t, receipt.StatusSuppressed, out["receiptStatus"])
	assert.NotContains(t, out, "receiptSentAt")
	assert.NotContains(t, out, "receiptError")

	// At or under threshold stays pending.
	out = e.Apply(amountPayload(100000000))
	assert.Equal(t, receipt.StatusPending, out["receiptStatus"])
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	e := newEvaluator(stdConfig())
	in := amountPayload(1000000)
	_ = e.Apply(in)
	assert.NotContains(t, in, "receiptPolicy")
	assert.NotContains(t, in, "receiptStatus")
}
