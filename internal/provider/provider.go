// Package provider defines the external market-data collaborator contract
// (spec.md §6). The real provider — computation, on-disk cache, periodic
// refresh — is explicitly out of scope (spec.md §1); this package is the
// interface plus a deterministic in-memory Stub used by tests and local
// runs.
package provider

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// InstrumentRange is a [start, end) pair for one instrument in a universe
// mapping result.
type InstrumentRange struct {
	Start time.Time
	End   time.Time
}

// Provider is the contract the worker's kind handlers call into for
// calendar and instrument tasks.
type Provider interface {
	// Calendar returns trading timestamps between start and end at freq.
	// start/end may be the zero time, meaning unbounded.
	Calendar(ctx context.Context, start, end time.Time, freq string, future bool) ([]time.Time, error)

	// ListInstruments returns either a flat list (asList) or a mapping of
	// instrument -> valid ranges.
	ListInstruments(ctx context.Context, universe []string, start, end time.Time, freq string, asList bool) (list []string, ranges map[string][]InstrumentRange, err error)
}

// FeatureProvider is an optional capability: a Provider additionally
// implements it to serve feature tasks. Kept separate from Provider, not
// folded into it, so the feature handler's "if the provider lacks this
// method" fatal-configuration case (spec.md §4.4) is a plain Go type
// assertion instead of a reflection-based method lookup — the idiomatic
// Go rendition of the original's `hasattr(D, "features_uri")` check.
type FeatureProvider interface {
	// FeaturesURI locates (never loads) the cached feature matrix for the
	// given request, returning a locator into the shared disk cache
	// (spec.md §4.4: "publish only that locator, never the dataset
	// bytes").
	FeaturesURI(ctx context.Context, instruments, fields []string, start, end time.Time, freq string, diskCacheLevel int) (string, error)
}

// URIProvider is implemented by providers that can compute their own
// fingerprint-equivalent URI; when present, both gateway and worker MUST
// use it verbatim to stay in agreement (spec.md §6, §9 "Fingerprint
// authority"). qdata-server's own internal/fingerprint package is the
// fallback when the configured provider doesn't implement this.
type URIProvider interface {
	URI(kind string, args map[string]interface{}) (string, error)
}

// AsURIProvider type-asserts p against URIProvider once at wiring time,
// returning nil when p doesn't implement it, so callers (gateway, worker)
// can thread the result into internal/fingerprint.ForEnvelope without
// each repeating the assertion.
func AsURIProvider(p Provider) URIProvider {
	up, _ := p.(URIProvider)
	return up
}

// Stub is a deterministic in-memory Provider for tests and local
// development: it never touches a real market-data store.
type Stub struct{}

func (Stub) Calendar(_ context.Context, start, end time.Time, freq string, future bool) ([]time.Time, error) {
	if start.IsZero() {
		start = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if end.IsZero() {
		end = start.AddDate(0, 0, 7)
	}
	var step time.Duration
	switch freq {
	case "day", "":
		step = 24 * time.Hour
	case "week":
		step = 7 * 24 * time.Hour
	default:
		step = 24 * time.Hour
	}
	var out []time.Time
	for t := start; t.Before(end); t = t.Add(step) {
		if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (Stub) ListInstruments(_ context.Context, universe []string, start, end time.Time, freq string, asList bool) ([]string, map[string][]InstrumentRange, error) {
	codes := append([]string(nil), universe...)
	sort.Strings(codes)
	if asList || len(codes) == 0 {
		return codes, nil, nil
	}
	ranges := make(map[string][]InstrumentRange, len(codes))
	for _, c := range codes {
		ranges[c] = []InstrumentRange{{Start: start, End: end}}
	}
	return nil, ranges, nil
}

func (Stub) FeaturesURI(_ context.Context, instruments, fields []string, start, end time.Time, freq string, diskCacheLevel int) (string, error) {
	return fmt.Sprintf("cache://features/%d-%d/%s", start.Unix(), end.Unix(), freq), nil
}
