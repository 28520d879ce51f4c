package mapping

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

const (
	PayloadTypeOpenAIInvoice = "openai.tooluse.invoice.v1"
	TargetTypeISO20022       = "invoice.iso20022.v1"
)

// NewDefaultRegistry returns the registry with the built-in invoice
// conversion installed.
func NewDefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	inv, err := newInvoiceMapping()
	if err != nil {
		return nil, err
	}
	r.Register(inv)
	return r, nil
}

func newInvoiceMapping() (*Mapping, error) {
	payloadSchema, _, err := compileSchema("openai.tooluse.invoice.v1.schema.json")
	if err != nil {
		return nil, err
	}
	argsSchema, argsRaw, err := compileSchema("openai.tooluse.invoice.v1.arguments.schema.json")
	if err != nil {
		return nil, err
	}
	outputSchema, _, err := compileSchema("invoice.iso20022.v1.schema.json")
	if err != nil {
		return nil, err
	}
	return &Mapping{
		PayloadType:   PayloadTypeOpenAIInvoice,
		TargetType:    TargetTypeISO20022,
		Transform:     transformInvoice,
		payloadSchema: payloadSchema,
		argsSchema:    argsSchema,
		outputSchema:  outputSchema,
		argsRequired:  []string{"invoice_id", "amount", "currency"},
		argsSchemaRaw: argsRaw,
	}, nil
}

// transformInvoice maps tool-call invoice arguments to the ISO 20022 style
// normalized form. Amounts convert to integer minor units with a fixed
// two-decimal scale; currency codes pass through opaque.
func transformInvoice(args map[string]interface{}) (map[string]interface{}, error) {
	invoiceID, _ := args["invoice_id"].(string)
	currency, _ := args["currency"].(string)
	minor, err := amountToMinorUnits(args["amount"])
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"invoice_id":   invoiceID,
		"amount_minor": minor,
		"currency":     currency,
	}, nil
}

// amountToMinorUnits multiplies by 100 in decimal arithmetic; sub-cent
// precision rounds half-even so the transform stays total on any
// schema-valid number.
func amountToMinorUnits(amount interface{}) (int64, error) {
	var token string
	switch t := amount.(type) {
	case json.Number:
		token = t.String()
	case float64:
		token = fmt.Sprintf("%v", t)
	case int:
		return int64(t) * 100, nil
	case int64:
		return t * 100, nil
	default:
		return 0, fmt.Errorf("mapping: amount has unsupported type %T", amount)
	}
	d, _, err := apd.NewFromString(token)
	if err != nil {
		return 0, fmt.Errorf("mapping: parse amount %q: %w", token, err)
	}
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Rounding = apd.RoundHalfEven
	var scaled apd.Decimal
	if _, err := ctx.Mul(&scaled, d, apd.New(100, 0)); err != nil {
		return 0, fmt.Errorf("mapping: scale amount: %w", err)
	}
	var rounded apd.Decimal
	if _, err := ctx.RoundToIntegralValue(&rounded, &scaled); err != nil {
		return 0, fmt.Errorf("mapping: round amount: %w", err)
	}
	minor, err := rounded.Int64()
	if err != nil {
		return 0, fmt.Errorf("mapping: amount out of range: %w", err)
	}
	return minor, nil
}
