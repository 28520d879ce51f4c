// Package fallback repairs malformed tool-call argument strings, first with
// cheap deterministic heuristics, then through an external language model.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// RepairResult is what a provider returns. Text is untrusted: callers must
// re-parse and re-validate it. Tokens is the actual count the provider
// consumed, the FU billing quantity.
type RepairResult struct {
	Text   string
	Tokens int
}

// Provider is the external repair capability.
type Provider interface {
	Repair(ctx context.Context, text string, schema json.RawMessage) (RepairResult, error)
}

// NullProvider never repairs; tenants without fallback get this.
type NullProvider struct{}

func (NullProvider) Repair(ctx context.Context, text string, schema json.RawMessage) (RepairResult, error) {
	return RepairResult{}, errors.New("fallback: no repair provider configured")
}

// EstimateTokens approximates provider token usage for quota pre-checks.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// TryParse attempts a strict JSON object decode.
func TryParse(s string) (map[string]interface{}, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// RepairHeuristics applies the deterministic fixes worth trying before any
// model call: trailing-comma removal, single-quote swap, unicode-escape
// decode. Returns the parsed object on success.
func RepairHeuristics(s string) (map[string]interface{}, bool) {
	if obj, ok := TryParse(s); ok {
		return obj, true
	}
	s2 := trailingCommaRe.ReplaceAllString(s, "$1")
	if obj, ok := TryParse(s2); ok {
		return obj, true
	}
	if strings.Contains(s2, "'") {
		if obj, ok := TryParse(strings.ReplaceAll(s2, "'", `"`)); ok {
			return obj, true
		}
	}
	if strings.Contains(s, `\"`) {
		// Doubly-encoded JSON: the object was serialized inside a JSON
		// string. Decode the string layer and retry.
		var inner string
		if err := json.Unmarshal([]byte(`"`+strings.TrimSpace(s)+`"`), &inner); err == nil {
			if obj, ok := TryParse(inner); ok {
				return obj, true
			}
		}
	}
	return nil, false
}
