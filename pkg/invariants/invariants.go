// Package invariants rejects language-model repairs that change business
// meaning. The original text may be unparseable, so comparison baselines
// are recovered from it by loose lexical extraction.
package invariants

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// minorUnitScale is the multiplier between a major-unit amount field and
// its *_minor counterpart for two-decimal currencies.
var minorUnitScale = apd.New(100, 0)

var pairRe = regexp.MustCompile(`["']([A-Za-z_][A-Za-z0-9_]*)["']\s*:\s*(?:["']((?:[^"'\\]|\\.)*)["']|(-?\d+(?:\.\d+)?))`)

// ExtractRecoverable pulls key → literal value pairs out of a possibly
// malformed JSON text. Strings keep their raw content; numbers stay as
// their source tokens.
func ExtractRecoverable(text string) map[string]string {
	out := map[string]string{}
	for _, m := range pairRe.FindAllStringSubmatch(text, -1) {
		key := m[1]
		if _, seen := out[key]; seen {
			continue
		}
		if m[3] != "" {
			out[key] = m[3]
		} else {
			out[key] = m[2]
		}
	}
	return out
}

// Flatten reduces a decoded JSON object to leaf-key → rendered value.
// Nested keys are recorded under their leaf name. When a leaf name repeats,
// the first one the walk reaches is kept; the walk follows Go map iteration
// order, so which occurrence that is is not defined and need not be the
// one ExtractRecoverable keeps from the original text.
func Flatten(obj map[string]interface{}) map[string]string {
	out := map[string]string{}
	var walk func(m map[string]interface{})
	walk = func(m map[string]interface{}) {
		for k, v := range m {
			switch t := v.(type) {
			case map[string]interface{}:
				walk(t)
			case []interface{}:
				for _, item := range t {
					if im, ok := item.(map[string]interface{}); ok {
						walk(im)
					}
				}
			default:
				if _, seen := out[k]; !seen {
					out[k] = fmt.Sprintf("%v", v)
				}
			}
		}
	}
	walk(obj)
	return out
}

// Validate compares the repaired object against values recoverable from the
// original text. requiredFields come from the mapping's input schema.
// Returns the violation list; empty means the repair is acceptable.
func Validate(originalText string, repaired map[string]interface{}, requiredFields []string) []string {
	original := ExtractRecoverable(originalText)
	flat := Flatten(repaired)
	var violations []string

	for key, origVal := range original {
		repVal, present := flat[key]
		switch {
		case isAmountField(key):
			if present {
				if !decimalEqual(origVal, repVal) {
					violations = append(violations, fmt.Sprintf("amount field %q changed: %s -> %s", key, origVal, repVal))
				}
				continue
			}
			// amount may have been normalized into its minor-unit twin.
			if minor, ok := flat[key+"_minor"]; ok {
				if !decimalEqualScaled(origVal, minor, minorUnitScale) {
					violations = append(violations, fmt.Sprintf("amount field %q inconsistent with %s_minor: %s -> %s", key, key, origVal, minor))
				}
				continue
			}
			violations = append(violations, fmt.Sprintf("amount field %q dropped by repair", key))
		case isCurrencyField(key):
			if !present || repVal != origVal {
				violations = append(violations, fmt.Sprintf("currency field %q changed: %q -> %q", key, origVal, repVal))
			}
		case isIdentifierField(key):
			if !present || repVal != origVal {
				violations = append(violations, fmt.Sprintf("identifier field %q changed: %q -> %q", key, origVal, repVal))
			}
		}
	}

	for _, req := range requiredFields {
		if _, ok := flat[req]; !ok {
			violations = append(violations, fmt.Sprintf("required field %q dropped by repair", req))
		}
	}
	return violations
}

func isAmountField(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "amount") || strings.Contains(k, "total") || strings.Contains(k, "quantity")
}

func isCurrencyField(key string) bool {
	return strings.Contains(strings.ToLower(key), "currency")
}

func isIdentifierField(key string) bool {
	k := strings.ToLower(key)
	return k == "id" || strings.HasSuffix(k, "_id")
}

func decimalEqual(a, b string) bool {
	da, _, errA := apd.NewFromString(a)
	db, _, errB := apd.NewFromString(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return da.Cmp(db) == 0
}

func decimalEqualScaled(major, minor string, scale *apd.Decimal) bool {
	dm, _, errA := apd.NewFromString(major)
	dn, _, errB := apd.NewFromString(minor)
	if errA != nil || errB != nil {
		return false
	}
	var scaled apd.Decimal
	ctx := apd.BaseContext.WithPrecision(34)
	if _, err := ctx.Mul(&scaled, dm, scale); err != nil {
		return false
	}
	return scaled.Cmp(dn) == 0
}
