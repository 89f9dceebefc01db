package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

type Header struct {
	Key   string
	Value string
}

// Headers keeps header keys in the order the client sent them, with the
// client's casing. Lookups are case-insensitive and treat '_' like '-'.
type Headers []Header

func normalizeKey(k string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(k)), "_", "-")
}

func (h Headers) Get(key string) string {
	nk := normalizeKey(key)
	for _, hd := range h {
		if normalizeKey(hd.Key) == nk {
			return hd.Value
		}
	}
	return ""
}

func (h Headers) Has(key string) bool {
	nk := normalizeKey(key)
	for _, hd := range h {
		if normalizeKey(hd.Key) == nk {
			return true
		}
	}
	return false
}

// Keys returns header names as sent.
func (h Headers) Keys() []string {
	keys := make([]string, len(h))
	for i, hd := range h {
		keys[i] = hd.Key
	}
	return keys
}

// NormalizedKeys returns upper-cased names with '_' folded to '-'.
func (h Headers) NormalizedKeys() []string {
	keys := make([]string, len(h))
	for i, hd := range h {
		keys[i] = normalizeKey(hd.Key)
	}
	return keys
}

// Values joins every header value with spaces.
func (h Headers) Values() string {
	vals := make([]string, len(h))
	for i, hd := range h {
		vals[i] = hd.Value
	}
	return strings.Join(vals, " ")
}

// FromHTTP converts a net/http header map. Go does not keep wire order, so
// keys are sorted to keep the result deterministic.
func FromHTTP(hdr http.Header) Headers {
	keys := make([]string, 0, len(hdr))
	for k := range hdr {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Headers, 0, len(keys))
	for _, k := range keys {
		out = append(out, Header{Key: k, Value: strings.Join(hdr[k], ", ")})
	}
	return out
}

// UnmarshalJSON reads a JSON object and keeps key order.
func (h *Headers) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*h = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("headers: expected object, got %v", tok)
	}
	var out Headers
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("headers: expected key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("headers: value for %q: %w", key, err)
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			// numbers and booleans show up from some edge runtimes
			value = strings.Trim(string(raw), `"`)
		}
		out = append(out, Header{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*h = out
	return nil
}

// MarshalJSON writes an object in stored order.
func (h Headers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, hd := range h {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(hd.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(hd.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
