package jcs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize returns the RFC 8785 (JCS) canonical form of a JSON document.
// Strings are NFC-normalized, object keys sorted by code point, numbers
// re-serialized without redundant precision.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return CanonicalizeValue(v)
}

// CanonicalizeValue canonicalizes an already-decoded JSON value. Accepts the
// types produced by encoding/json (map[string]interface{}, []interface{},
// string, bool, nil, json.Number) plus native Go numerics.
func CanonicalizeValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CID returns the content identifier of a decoded JSON value:
// "sha256:" + lowercase hex of SHA-256 over the canonical bytes.
func CID(v interface{}) (string, error) {
	canon, err := CanonicalizeValue(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canon), nil
}

// CIDForJSON is CID over a raw JSON document.
func CIDForJSON(raw json.RawMessage) (string, error) {
	canon, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return HashBytes(canon), nil
}

// HashBytes returns "sha256:" + lowercase hex digest of data.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

func writeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, t)
	case json.Number:
		return writeNumberToken(buf, t.String())
	case int:
		buf.WriteString(strconv.Itoa(t))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case float64:
		return writeFloat(buf, t)
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := writeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			return norm.NFC.String(keys[i]) < norm.NFC.String(keys[j])
		})
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			writeString(buf, k)
			buf.WriteString(":")
			if err := writeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return fmt.Errorf("jcs: unsupported type %T", v)
	}
	return nil
}

// writeNumberToken serializes a numeric token. Integer tokens keep arbitrary
// precision; fractional and exponent forms go through float64.
func writeNumberToken(buf *bytes.Buffer, s string) error {
	if !strings.ContainsAny(s, ".eE") {
		i := new(big.Int)
		if _, ok := i.SetString(s, 10); !ok {
			return errors.New("jcs: invalid number token")
		}
		buf.WriteString(i.String())
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("jcs: invalid number token: %w", err)
	}
	return writeFloat(buf, f)
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return errors.New("jcs: NaN and Infinity are not valid JSON numbers")
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		// Integral values print without a decimal point.
		buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	// No '+' signs on exponents, lowercase marker.
	s = strings.ReplaceAll(s, "E", "e")
	s = strings.ReplaceAll(s, "e+", "e")
	buf.WriteString(s)
	return nil
}

var stringEscapes = map[rune]string{
	'"':  `\"`,
	'\\': `\\`,
	'\b': `\b`,
	'\f': `\f`,
	'\n': `\n`,
	'\r': `\r`,
	'\t': `\t`,
}

// writeString emits a JCS string: NFC-normalized, minimally escaped, with
// non-ASCII characters written as raw UTF-8.
func writeString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range s {
		if esc, ok := stringEscapes[r]; ok {
			buf.WriteString(esc)
			continue
		}
		if r < 0x20 {
			fmt.Fprintf(buf, `\u%04x`, r)
			continue
		}
		buf.WriteRune(r)
	}
	buf.WriteByte('"')
}
