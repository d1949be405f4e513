package payload

import (
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"giftflow/internal/domain"
)

// payloadSchema is the structural gate a staged payload must pass before a
// commit attempt: a valid amount block and at least one identity reference.
const payloadSchema = `{
	"type": "object",
	"required": ["amount"],
	"properties": {
		"amount": {
			"type": "object",
			"required": ["currencyCode", "amountMicros"],
			"properties": {
				"currencyCode": {"type": "string", "minLength": 1},
				"amountMicros": {"type": "number"},
				"value": {"type": "number"}
			}
		}
	},
	"anyOf": [
		{"required": ["donorId"], "properties": {"donorId": {"type": "string", "minLength": 1}}},
		{"required": ["companyId"], "properties": {"companyId": {"type": "string", "minLength": 1}}}
	]
}`

var compiledSchema = mustCompile("giftflow/staged-payload.schema.json", payloadSchema)

func mustCompile(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// Validate runs the structural gate and returns the typed payload on
// success. Validation failures carry enough detail to persist as the
// record's errorDetail.
func Validate(m map[string]any) (domain.NormalizedPayload, error) {
	if err := compiledSchema.Validate(m); err != nil {
		return domain.NormalizedPayload{}, fmt.Errorf("payload failed validation: %w", err)
	}
	p, err := Decode(m)
	if err != nil {
		return domain.NormalizedPayload{}, err
	}
	if math.IsInf(p.Amount.Value, 0) || math.IsNaN(p.Amount.Value) {
		return domain.NormalizedPayload{}, fmt.Errorf("payload failed validation: amount is not finite")
	}
	return p, nil
}
