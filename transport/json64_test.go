package transport

import (
	"strings"
	"testing"

	dl "github.com/stepherg/datalayer"
)

func TestDecodeInt64FullRange(t *testing.T) {
	v, err := DecodeValue([]byte(`{"type":"int64","value":9223372036854775807}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := v.Value.(int64); got != 9223372036854775807 {
		t.Fatalf("precision lost: %d", got)
	}

	v, err = DecodeValue([]byte(`{"type":"int64","value":-9223372036854775808}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := v.Value.(int64); got != -9223372036854775808 {
		t.Fatalf("precision lost: %d", got)
	}
}

func TestDecodeUint64AndArrays(t *testing.T) {
	v, err := DecodeValue([]byte(`{"type":"uint64","value":18446744073709551615}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := v.Value.(uint64); got != 18446744073709551615 {
		t.Fatalf("precision lost: %d", got)
	}

	v, err = DecodeValue([]byte(`{"type":"arint64","value":[1,-9007199254740993,9223372036854775807]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	arr := v.Value.([]int64)
	if len(arr) != 3 || arr[1] != -9007199254740993 || arr[2] != 9223372036854775807 {
		t.Fatalf("unexpected array: %v", arr)
	}
}

func TestRoundTripInt64(t *testing.T) {
	in := dl.Value{Type: dl.TypeInt64, Value: int64(9223372036854775807)}
	b, err := EncodeValue(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(b), "9223372036854775807") {
		t.Fatalf("serialized form must carry full decimal literal: %s", b)
	}
	out, err := DecodeValue(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Value.(int64) != in.Value.(int64) {
		t.Fatalf("round trip mismatch: %v", out.Value)
	}
}

func TestDecodeUpdateCarriesNodeAndTimestamp(t *testing.T) {
	u, err := DecodeUpdate([]byte(`{"node":"plc/app/x","type":"double","value":2.5,"timestamp":132537600000000000}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.Node != "plc/app/x" || u.Value.Value.(float64) != 2.5 {
		t.Fatalf("unexpected update: %+v", u)
	}
	if u.Value.Timestamp != 132537600000000000 {
		t.Fatalf("timestamp lost: %d", u.Value.Timestamp)
	}
}

func TestDecodeNonNumericTypes(t *testing.T) {
	v, err := DecodeValue([]byte(`{"type":"bool8","value":true}`))
	if err != nil || v.Value.(bool) != true {
		t.Fatalf("bool decode failed: %+v %v", v, err)
	}
	v, err = DecodeValue([]byte(`{"type":"string","value":"hello"}`))
	if err != nil || v.Value.(string) != "hello" {
		t.Fatalf("string decode failed: %+v %v", v, err)
	}
	v, err = DecodeValue([]byte(`{"type":"object","value":{"a":1,"b":[2,3]}}`))
	if err != nil {
		t.Fatalf("object decode failed: %v", err)
	}
	obj := v.Value.(map[string]interface{})
	if obj["a"].(float64) != 1 {
		t.Fatalf("object numerics should normalize to float64: %+v", obj)
	}
}
