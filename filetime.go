package datalayer

import "time"

// Milliseconds between 1601-01-01 (FILETIME epoch) and 1970-01-01 (Unix).
const filetimeEpochOffsetMs = 11644473600000

// FiletimeToUnixMs converts a FILETIME timestamp (100ns ticks since
// 1601-01-01 UTC) to Unix milliseconds.
func FiletimeToUnixMs(ft uint64) int64 {
	return int64(ft/10000) - filetimeEpochOffsetMs
}

// FiletimeToTime converts a FILETIME timestamp to a time.Time in UTC,
// preserving sub-millisecond precision.
func FiletimeToTime(ft uint64) time.Time {
	ns := (int64(ft) - filetimeEpochOffsetMs*10000) * 100
	return time.Unix(0, ns).UTC()
}

// TimeToFiletime converts a time.Time to a FILETIME timestamp.
func TimeToFiletime(t time.Time) uint64 {
	return uint64(t.UnixNano()/100 + filetimeEpochOffsetMs*10000)
}
