// Package task defines the request/envelope wire types shared between the
// gateway and the worker pool (spec.md §3).
package task

// Kind identifies which TaskRequest variant an envelope carries.
type Kind string

const (
	KindCalendar   Kind = "calendar"
	KindInstrument Kind = "instrument"
	KindFeature    Kind = "feature"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCalendar, KindInstrument, KindFeature:
		return true
	default:
		return false
	}
}

// Status is the outcome carried in a response envelope.
type Status int

const (
	StatusOK      Status = 0
	StatusInvalid Status = 1
)

// Unspecified is the normalized sentinel for a nullable string field,
// replacing ad-hoc "None" literals at the ingress boundary (spec.md §3).
const Unspecified = "unspecified"

// NormalizeSentinel maps the wire sentinels the original client library
// emits ("None", "", "null") onto the canonical Unspecified marker.
func NormalizeSentinel(s string) string {
	switch s {
	case "", "None", "none", "null", "nil":
		return Unspecified
	default:
		return s
	}
}

// CalendarRequest is the `calendar(start, end, freq, future?)` variant.
type CalendarRequest struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Freq      string `json:"freq"`
	Future    bool   `json:"future"`
}

// InstrumentRequest is the `instrument(universe, start, end, freq, as_list)` variant.
//
// Universe is either a flat list of instrument codes or a mapping of
// name -> list of [start,end) ranges; exactly one of Instruments /
// UniverseRanges is populated.
type InstrumentRequest struct {
	Instruments    []string            `json:"instruments,omitempty"`
	UniverseRanges map[string][][2]string `json:"universe_ranges,omitempty"`
	StartTime      string              `json:"start_time"`
	EndTime        string              `json:"end_time"`
	Freq           string              `json:"freq"`
	AsList         bool                `json:"as_list"`
}

// FeatureRequest is the `feature(instruments, fields, start, end, freq, disk_cache_level)` variant.
type FeatureRequest struct {
	Instruments    []string `json:"instruments"`
	Fields         []string `json:"fields"`
	StartTime      string   `json:"start_time"`
	EndTime        string   `json:"end_time"`
	Freq           string   `json:"freq"`
	DiskCacheLevel int      `json:"disk_cache"`
}

// TaskMeta is the envelope header pushed onto C2.
type TaskMeta struct {
	Kind      Kind   `json:"kind"`
	OriginSsid string `json:"origin_ssid"`
}

// TaskEnvelope is the Envelope(task) wire type (spec.md §3): meta plus the
// raw request body, kept as json.RawMessage so C2 doesn't need to know
// the request's concrete Go type — only the worker decodes Args into the
// kind-specific struct.
type TaskEnvelope struct {
	Meta TaskMeta        `json:"meta"`
	Args RawArgs         `json:"args"`
}

// RawArgs defers decoding of the kind-specific body.
type RawArgs = []byte

// ResponseEnvelope is the Envelope(response) wire type (spec.md §3).
type ResponseEnvelope struct {
	Kind    Kind     `json:"kind"`
	Ssids   []string `json:"ssids"`
	Payload interface{} `json:"payload"`
	Status  Status   `json:"status"`
	Detail  string   `json:"detail,omitempty"`
}
