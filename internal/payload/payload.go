// Package payload builds and incrementally merges the canonical staged
// donation payload. The staged payload travels as untyped JSON until it
// passes the structural gate in Validate; reviewer edits re-merge into it
// any number of times before commit.
package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"giftflow/internal/domain"
)

// Staging-only keys, stripped from the payload sent to the gift ledger.
var stagingOnlyKeys = []string{
	"intakeSource",
	"sourceFingerprint",
	"providerContext",
	"providerPaymentId",
	"stagingBatchId",
	"autoPromote",
	"amountMinor",
	"amountMajor",
}

// Parse decodes a serialized payload. It fails unless the payload is a JSON
// object.
func Parse(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("payload is empty")
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("payload is not an object")
	}
	return m, nil
}

// Reconstruct builds a minimal payload from a record's flattened scalar
// fields, for records whose rawPayload is absent or unparsable.
func Reconstruct(rec domain.StagingRecord) map[string]any {
	m := map[string]any{}
	setString(m, "donorId", rec.DonorID)
	setString(m, "companyId", rec.CompanyID)
	setString(m, "intakeSource", rec.IntakeSource)
	setString(m, "sourceFingerprint", rec.SourceFingerprint)
	setString(m, "stagingBatchId", rec.StagingBatchID)
	setString(m, "recurringAgreementId", rec.RecurringAgreementID)
	setString(m, "expectedAt", rec.ExpectedAt)
	currency := rec.CurrencyCode
	minor := rec.AmountMinor
	if minor == 0 && rec.AmountMajor != 0 {
		minor = int64(math.Round(rec.AmountMajor * 100))
	}
	applyAmount(m, minor, currency)
	return m
}

// MergeForUpdate applies a reviewer's partial edit onto the record's staged
// payload. Per updatable key: explicit null or empty string clears, a
// non-empty trimmed value sets, omission keeps the base value. The returned
// payload always carries an amount block.
func MergeForUpdate(rec domain.StagingRecord, updates map[string]any) (map[string]any, error) {
	base, err := Parse(rec.RawPayload)
	if err != nil {
		base = Reconstruct(rec)
	}

	minor, currency := baseAmount(base)

	for key, val := range updates {
		switch key {
		case "amount", "amountMicros":
			// The nested amount block is derived, never set directly.
			continue
		case "amountMinor":
			if n, ok := asNumber(val); ok {
				minor = int64(math.Round(n))
			}
			continue
		case "amountMajor":
			if n, ok := asNumber(val); ok {
				minor = int64(math.Round(n * 100))
			}
			continue
		case "currencyCode":
			if s, ok := val.(string); ok && strings.TrimSpace(s) != "" {
				currency = strings.TrimSpace(s)
			}
			continue
		}
		switch v := val.(type) {
		case nil:
			delete(base, key)
		case string:
			trimmed := strings.TrimSpace(v)
			if trimmed == "" {
				delete(base, key)
			} else {
				base[key] = trimmed
			}
		default:
			// Booleans, numbers, and objects replace the base value
			// verbatim; providerContext in particular is never deep-merged.
			base[key] = val
		}
	}

	applyAmount(base, minor, currency)
	return base, nil
}

// baseAmount extracts the prior minor units and currency from a payload,
// falling back through the flattened duplicates.
func baseAmount(m map[string]any) (int64, string) {
	var minor int64
	currency := ""
	if amt, ok := m["amount"].(map[string]any); ok {
		if s, ok := amt["currencyCode"].(string); ok {
			currency = s
		}
		if n, ok := asNumber(amt["amountMicros"]); ok {
			minor = int64(math.Round(n / 10000))
		}
	}
	if minor == 0 {
		if n, ok := asNumber(m["amountMinor"]); ok {
			minor = int64(math.Round(n))
		}
	}
	if minor == 0 {
		if n, ok := asNumber(m["amountMajor"]); ok {
			minor = int64(math.Round(n * 100))
		}
	}
	if currency == "" {
		if s, ok := m["currencyCode"].(string); ok {
			currency = s
		}
	}
	return minor, currency
}

// applyAmount keeps the flattened unit duplicates and the nested amount
// block synchronized with the canonical minor units.
func applyAmount(m map[string]any, minor int64, currency string) {
	major := math.Round(float64(minor)) / 100
	m["amountMinor"] = minor
	m["amountMajor"] = major
	m["currencyCode"] = currency
	m["amount"] = map[string]any{
		"value":        major,
		"currencyCode": currency,
		"amountMicros": minor * 10000,
	}
}

// Decode converts a validated payload map into its typed view.
func Decode(m map[string]any) (domain.NormalizedPayload, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return domain.NormalizedPayload{}, err
	}
	var p domain.NormalizedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.NormalizedPayload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// GiftPayload strips staging-only fields for the remote ledger's create
// operation.
func GiftPayload(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, k := range stagingOnlyKeys {
		delete(out, k)
	}
	return out
}

func setString(m map[string]any, key, val string) {
	if val != "" {
		m[key] = val
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
