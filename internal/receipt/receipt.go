// Package receipt derives a staged payload's receipt disposition before
// commit: which policy applies, which channel, the dedupe key that keeps a
// donor from being receipted twice, and whether the receipt is suppressed.
package receipt

import (
	"log/slog"
	"math"
	"strings"

	"giftflow/internal/config"
)

const (
	StatusPending    = "pending"
	StatusSuppressed = "suppressed"

	defaultChannel = "email"
)

// Evaluator applies the configured receipt policy. Apply is a pure
// transform; the only side effect is logging the decision.
type Evaluator struct {
	cfg    config.Receipts
	logger *slog.Logger
}

func New(cfg config.Receipts, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{cfg: cfg, logger: logger}
}

// Apply returns a copy of the payload with receipt metadata resolved. The
// input map is never mutated.
func (e *Evaluator) Apply(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+4)
	for k, v := range m {
		out[k] = v
	}

	policy := stringField(out, "receiptPolicy")
	if policy == "" {
		if stringField(out, "recurringAgreementId") != "" {
			policy = e.cfg.RecurringPolicy
		} else {
			policy = e.cfg.OneOffPolicy
		}
	}
	out["receiptPolicy"] = policy

	if stringField(out, "receiptDedupeKey") == "" {
		key := firstNonEmpty(
			stringField(out, "providerPaymentId"),
			stringField(out, "sourceFingerprint"),
			stringField(out, "externalId"),
		)
		if key != "" {
			out["receiptDedupeKey"] = key
		}
	}

	if stringField(out, "receiptChannel") == "" {
		channel := e.cfg.DefaultChannel
		if channel == "" {
			channel = defaultChannel
		}
		out["receiptChannel"] = channel
	}

	status := stringField(out, "receiptStatus")
	if status == "" {
		status = StatusPending
	}
	minor := minorUnits(out)
	if e.cfg.AutoSuppressMinorUnits > 0 && minor > e.cfg.AutoSuppressMinorUnits {
		status = StatusSuppressed
		delete(out, "receiptSentAt")
		delete(out, "receiptError")
	}
	out["receiptStatus"] = status

	e.logger.Info("receipt policy applied",
		"policy", policy,
		"channel", out["receiptChannel"],
		"status", status,
		"dedupeKey", out["receiptDedupeKey"],
		"amountMinor", minor,
	)
	return out
}

func minorUnits(m map[string]any) int64 {
	amt, ok := m["amount"].(map[string]any)
	if !ok {
		return 0
	}
	switch n := amt["amountMicros"].(type) {
	case float64:
		return int64(math.Round(n / 10000))
	case int64:
		return n / 10000
	case int:
		return int64(n) / 10000
	}
	return 0
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
