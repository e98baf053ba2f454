// Package canonical implements the JSON canonicalizer: whitespace
// normalization of string leaves and stable, compact re-serialization.
// Its output is the pre-image of every content hash in the pipeline.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeSpaces collapses runs of whitespace to a single space and
// trims both ends. Empty input yields empty output.
func NormalizeSpaces(s string) string {
	if s == "" {
		return ""
	}
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
}

// orderedObject preserves the key order of a parsed JSON object, since
// encoding/json's map[string]any does not.
type orderedObject struct {
	keys   []string
	values map[string]any
}

// Canonicalize parses text as JSON, applies NormalizeSpaces to every
// string leaf while leaving numbers/booleans/null untouched, and
// re-serializes with no inter-token whitespace, raw UTF-8 (no
// \uXXXX-escaping of non-ASCII), and the original key order preserved.
// If text does not parse as JSON, it is returned unchanged, so the
// canonicalizer tolerates engine-produced text that is already
// canonical or otherwise not valid JSON.
func Canonicalize(text string) string {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	value, err := decodeValue(dec)
	if err != nil {
		return text
	}
	// A valid JSON document must not have trailing non-whitespace.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return text
	}

	cleaned := normalizeValue(value)
	out, err := marshalNoEscape(cleaned)
	if err != nil {
		return text
	}
	return string(out)
}

// marshalNoEscape is the one serialization path used at every level of
// the recursive canonicalization — the top-level document, every
// nested object member (normalizeValue), and every object key
// (rawOrderedMap.MarshalJSON). A plain json.Marshal call anywhere in
// that recursion would HTML-escape `<`, `>`, and `&` in that value
// before the outer encoder ever sees it, and escaping is not
// idempotent-reversible: the outer encoder's SetEscapeHTML(false) only
// governs bytes it serializes itself, not already-escaped bytes
// arriving via a nested Marshaler's returned []byte. Using this
// function everywhere keeps escapeHTML=false consistent through the
// whole recursion.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; the spec wants no
	// inter-token whitespace at all.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// decodeValue reads one JSON value from dec, preserving object key
// order via orderedObject and recursing into arrays/objects.
func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeFromToken(dec, tok)
}

func decodeFromToken(dec *json.Decoder, tok json.Token) (any, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := &orderedObject{values: map[string]any{}}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, _ := keyTok.(string)
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				if _, exists := obj.values[key]; !exists {
					obj.keys = append(obj.keys, key)
				}
				obj.values[key] = val
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, err
			}
			return obj, nil
		case '[':
			var arr []any
			for dec.More() {
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			if arr == nil {
				arr = []any{}
			}
			return arr, nil
		}
	}
	return tok, nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case *orderedObject:
		out := make(map[string]json.RawMessage, len(t.keys))
		order := make([]string, len(t.keys))
		copy(order, t.keys)
		m := &rawOrderedMap{order: order, values: out}
		for _, k := range t.keys {
			encoded, _ := marshalNoEscape(normalizeValue(t.values[k]))
			out[k] = encoded
		}
		return m
	case []any:
		normalized := make([]any, len(t))
		for i, item := range t {
			normalized[i] = normalizeValue(item)
		}
		return normalized
	case string:
		return NormalizeSpaces(t)
	default:
		return t
	}
}

// rawOrderedMap marshals as a JSON object in `order`, using
// pre-encoded member values so nested normalization is not re-escaped.
type rawOrderedMap struct {
	order  []string
	values map[string]json.RawMessage
}

func (m *rawOrderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := marshalNoEscape(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		buf.Write(m.values[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
