// Package fingerprint canonicalizes a TaskRequest into a stable 128-bit
// digest — the coalescing key consulted by internal/coalescing and
// re-derived by internal/worker, which must agree with the gateway on
// every bit of it (spec.md §3, §9 "Fingerprint authority").
package fingerprint

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/qdatasvc/qdata-server/internal/provider"
	"github.com/qdatasvc/qdata-server/internal/task"
)

// Fingerprint is the hex-encoded 128-bit digest of a canonicalized request.
type Fingerprint string

// digest canonicalizes v (already sorted/lowercased per the rules below)
// to a stable textual form and hashes it. encoding/json already sorts
// map[string]... keys alphabetically, which gives us "mapping keys are
// sorted" for free; every other canonicalization rule (sorted
// instruments, lowercased fields, lowercased freq, sorted inner
// time-range lists) is applied by the caller before reaching here.
func digest(kind task.Kind, v map[string]interface{}) Fingerprint {
	v["_kind"] = string(kind)
	b, err := json.Marshal(v)
	if err != nil {
		// Unknown/unmarshalable values fall back to their default textual
		// form, per spec.md §3 ("unknown types rendered via their default
		// textual form") — %v always produces *some* stable string.
		b = []byte(fmt.Sprintf("%v:%v", kind, v))
	}
	sum := md5.Sum(b)
	return Fingerprint(fmt.Sprintf("%x", sum))
}

func sortedStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func lowerSorted(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	sort.Strings(out)
	return out
}

// Calendar canonicalizes a CalendarRequest.
func Calendar(r task.CalendarRequest) Fingerprint {
	return digest(task.KindCalendar, map[string]interface{}{
		"start_time": task.NormalizeSentinel(r.StartTime),
		"end_time":   task.NormalizeSentinel(r.EndTime),
		"freq":       strings.ToLower(r.Freq),
		"future":     r.Future,
	})
}

// Instrument canonicalizes an InstrumentRequest.
func Instrument(r task.InstrumentRequest) Fingerprint {
	return digest(task.KindInstrument, map[string]interface{}{
		"universe":   canonicalUniverse(r),
		"start_time": task.NormalizeSentinel(r.StartTime),
		"end_time":   task.NormalizeSentinel(r.EndTime),
		"freq":       strings.ToLower(r.Freq),
		"as_list":    r.AsList,
	})
}

// Feature canonicalizes a FeatureRequest.
func Feature(r task.FeatureRequest) Fingerprint {
	return digest(task.KindFeature, map[string]interface{}{
		"instruments": sortedStrings(r.Instruments),
		"fields":      lowerSorted(r.Fields),
		"start_time":  task.NormalizeSentinel(r.StartTime),
		"end_time":    task.NormalizeSentinel(r.EndTime),
		"freq":        strings.ToLower(r.Freq),
		"disk_cache":  r.DiskCacheLevel,
	})
}

// canonicalUniverse sorts either the flat instrument list or, for a
// mapping universe, both the outer names and each inner time-range list
// (spec.md §3: "when the universe is a mapping of name→time-ranges,
// inner time-range lists are sorted").
func canonicalUniverse(r task.InstrumentRequest) interface{} {
	if len(r.Instruments) > 0 {
		return sortedStrings(r.Instruments)
	}
	if len(r.UniverseRanges) == 0 {
		return nil
	}
	out := make(map[string][][2]string, len(r.UniverseRanges))
	for name, ranges := range r.UniverseRanges {
		cp := make([][2]string, len(ranges))
		copy(cp, ranges)
		sort.Slice(cp, func(i, j int) bool {
			if cp[i][0] != cp[j][0] {
				return cp[i][0] < cp[j][0]
			}
			return cp[i][1] < cp[j][1]
		})
		out[name] = cp
	}
	return out
}

// ForEnvelope recomputes the fingerprint from a decoded kind+args pair, the
// worker side of the authority contract in §9. When uri is non-nil (the
// configured provider implements provider.URIProvider), its locator is
// used verbatim instead of local canonicalization, so gateway and worker
// agree even when the provider computes its own task identity (spec.md
// §6, §9 "Fingerprint authority": "if so the core MUST use it verbatim").
func ForEnvelope(kind task.Kind, args []byte, uri provider.URIProvider) (Fingerprint, error) {
	if uri != nil {
		var m map[string]interface{}
		if err := json.Unmarshal(args, &m); err == nil {
			if s, err := uri.URI(string(kind), m); err == nil {
				return Fingerprint(s), nil
			}
		}
		// A provider URI failure falls back to local canonicalization
		// rather than failing the request outright.
	}
	switch kind {
	case task.KindCalendar:
		var r task.CalendarRequest
		if err := json.Unmarshal(args, &r); err != nil {
			return "", fmt.Errorf("fingerprint: decode calendar args: %w", err)
		}
		return Calendar(r), nil
	case task.KindInstrument:
		var r task.InstrumentRequest
		if err := json.Unmarshal(args, &r); err != nil {
			return "", fmt.Errorf("fingerprint: decode instrument args: %w", err)
		}
		return Instrument(r), nil
	case task.KindFeature:
		var r task.FeatureRequest
		if err := json.Unmarshal(args, &r); err != nil {
			return "", fmt.Errorf("fingerprint: decode feature args: %w", err)
		}
		return Feature(r), nil
	default:
		return "", fmt.Errorf("fingerprint: unknown kind %q", kind)
	}
}
