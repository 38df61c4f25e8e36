package datalayer

import (
	"testing"
	"time"
)

func TestFiletimeUnixEpoch(t *testing.T) {
	// 1970-01-01 in FILETIME ticks.
	var ft uint64 = 11644473600000 * 10000
	if ms := FiletimeToUnixMs(ft); ms != 0 {
		t.Fatalf("expected 0 ms, got %d", ms)
	}
	if tt := FiletimeToTime(ft); !tt.Equal(time.Unix(0, 0)) {
		t.Fatalf("expected unix epoch, got %v", tt)
	}
}

func TestFiletimeRoundTrip(t *testing.T) {
	now := time.Now().Truncate(100 * time.Nanosecond)
	ft := TimeToFiletime(now)
	back := FiletimeToTime(ft)
	if !back.Equal(now) {
		t.Fatalf("round trip mismatch: %v != %v", back, now)
	}
}

func TestFiletimeKnownValue(t *testing.T) {
	// 2021-01-01T00:00:00Z
	ref := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	ft := TimeToFiletime(ref)
	if ms := FiletimeToUnixMs(ft); ms != ref.UnixMilli() {
		t.Fatalf("expected %d ms, got %d", ref.UnixMilli(), ms)
	}
}
