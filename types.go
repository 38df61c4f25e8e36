package datalayer

// Type tags the Data Layer reports alongside node values. The 64-bit
// integer tags need raw-token JSON decoding; everything else decodes with
// ordinary JSON semantics.
const (
	TypeBool     = "bool8"
	TypeInt32    = "int32"
	TypeUint32   = "uint32"
	TypeInt64    = "int64"
	TypeUint64   = "uint64"
	TypeFloat    = "float"
	TypeDouble   = "double"
	TypeString   = "string"
	TypeArInt64  = "arint64"
	TypeArUint64 = "aruint64"
	TypeObject   = "object"
)

// Value is one typed Data Layer node value. Value holds the Go-native
// representation: bool, string, float64, int64, uint64, []int64,
// []uint64, []interface{} or map[string]interface{} depending on Type.
// Timestamp, when present, is a FILETIME (100ns ticks since 1601-01-01 UTC).
type Value struct {
	Type      string
	Value     interface{}
	Timestamp uint64
	Schema    string
}

// Update is one change notification delivered on a subscription stream.
type Update struct {
	Node  string
	Value Value
	// EventID is the server-assigned SSE event id. Ids increase
	// monotonically within one stream but may gap across a reconnect.
	EventID string
}

// QueueBehavior selects what a full server-side queue discards.
type QueueBehavior string

const (
	DiscardOldest QueueBehavior = "DiscardOldest"
	DiscardNewest QueueBehavior = "DiscardNewest"
)

// Settings carries the optional subscription configuration. Zero values
// mean "use the server-side default" and are omitted from the creation
// request.
type Settings struct {
	PublishIntervalMs   int
	SamplingIntervalUs  int
	ErrorIntervalMs     int
	KeepaliveIntervalMs int
	QueueSize           int
	QueueBehavior       QueueBehavior
	DeadbandValue       float64
}

// AuthStrategy acquires an authorization header value (e.g., "Bearer ...").
type AuthStrategy interface {
	AuthorizationValue() (string, error)
}

// StaticAuth implements AuthStrategy using a pre-specified token value.
type StaticAuth struct{ Value string }

func (s StaticAuth) AuthorizationValue() (string, error) { return s.Value, nil }
