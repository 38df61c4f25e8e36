package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	dl "github.com/stepherg/datalayer"
)

// The value codec decodes node payloads with json.Number so 64-bit
// integer literals survive as raw decimal tokens instead of being routed
// through a float64 (which is lossy above 2^53). Values tagged with one
// of the 64-bit types are then parsed bit-exactly.

type rawValue struct {
	Node      string          `json:"node,omitempty"`
	Type      string          `json:"type"`
	Value     json.RawMessage `json:"value"`
	Timestamp json.Number     `json:"timestamp,omitempty"`
	Schema    string          `json:"schema,omitempty"`
}

// DecodeValue parses one {type, value, timestamp?} payload.
func DecodeValue(data []byte) (dl.Value, error) {
	var raw rawValue
	if err := unmarshalNumber(data, &raw); err != nil {
		return dl.Value{}, fmt.Errorf("decode value: %w", err)
	}
	return convertRaw(raw)
}

// DecodeUpdate parses one subscription update payload, which carries the
// node path alongside the value fields.
func DecodeUpdate(data []byte) (dl.Update, error) {
	var raw rawValue
	if err := unmarshalNumber(data, &raw); err != nil {
		return dl.Update{}, fmt.Errorf("decode update: %w", err)
	}
	v, err := convertRaw(raw)
	if err != nil {
		return dl.Update{}, err
	}
	return dl.Update{Node: raw.Node, Value: v}, nil
}

// EncodeValue serializes a value payload. Go's encoding/json renders
// int64/uint64 at full precision, so no special casing is needed on the
// way out beyond keeping the native types intact.
func EncodeValue(v dl.Value) ([]byte, error) {
	m := map[string]interface{}{"type": v.Type}
	if v.Value != nil {
		m["value"] = v.Value
	}
	if v.Schema != "" {
		m["schema"] = v.Schema
	}
	return json.Marshal(m)
}

func convertRaw(raw rawValue) (dl.Value, error) {
	out := dl.Value{Type: raw.Type, Schema: raw.Schema}
	if raw.Timestamp != "" {
		ts, err := strconv.ParseUint(raw.Timestamp.String(), 10, 64)
		if err != nil {
			return dl.Value{}, fmt.Errorf("decode timestamp: %w", err)
		}
		out.Timestamp = ts
	}
	if raw.Value == nil {
		return out, nil
	}
	v, err := convertValue(raw.Type, raw.Value)
	if err != nil {
		return dl.Value{}, err
	}
	out.Value = v
	return out, nil
}

func convertValue(typeTag string, raw json.RawMessage) (interface{}, error) {
	switch typeTag {
	case dl.TypeInt64:
		return parseInt64Token(raw)
	case dl.TypeUint64:
		return parseUint64Token(raw)
	case dl.TypeArInt64:
		var toks []json.Number
		if err := unmarshalNumber(raw, &toks); err != nil {
			return nil, fmt.Errorf("decode arint64: %w", err)
		}
		out := make([]int64, len(toks))
		for i, tok := range toks {
			n, err := strconv.ParseInt(tok.String(), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decode arint64[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case dl.TypeArUint64:
		var toks []json.Number
		if err := unmarshalNumber(raw, &toks); err != nil {
			return nil, fmt.Errorf("decode aruint64: %w", err)
		}
		out := make([]uint64, len(toks))
		for i, tok := range toks {
			n, err := strconv.ParseUint(tok.String(), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decode aruint64[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	default:
		var v interface{}
		if err := unmarshalNumber(raw, &v); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
		return normalize(v), nil
	}
}

func parseInt64Token(raw json.RawMessage) (int64, error) {
	var tok json.Number
	if err := unmarshalNumber(raw, &tok); err != nil {
		// Some firmware versions quote 64-bit values.
		var s string
		if err2 := json.Unmarshal(raw, &s); err2 != nil {
			return 0, fmt.Errorf("decode int64: %w", err)
		}
		tok = json.Number(s)
	}
	return strconv.ParseInt(tok.String(), 10, 64)
}

func parseUint64Token(raw json.RawMessage) (uint64, error) {
	var tok json.Number
	if err := unmarshalNumber(raw, &tok); err != nil {
		var s string
		if err2 := json.Unmarshal(raw, &s); err2 != nil {
			return 0, fmt.Errorf("decode uint64: %w", err)
		}
		tok = json.Number(s)
	}
	return strconv.ParseUint(tok.String(), 10, 64)
}

func unmarshalNumber(data []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

// normalize walks a UseNumber-decoded tree converting json.Number leaves
// to float64, which is what callers expect for non-64-bit numerics.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []interface{}:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case map[string]interface{}:
		for k := range t {
			t[k] = normalize(t[k])
		}
		return t
	default:
		return v
	}
}
