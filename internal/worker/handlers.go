package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qdatasvc/qdata-server/internal/fingerprint"
	"github.com/qdatasvc/qdata-server/internal/provider"
	"github.com/qdatasvc/qdata-server/internal/task"
)

// HandlerFunc produces a response payload for one kind. Handlers MUST
// catch all internal errors and return them as (nil, StatusInvalid,
// message) rather than an error value — a response is always produced so
// waiters never hang (spec.md §4.4, §7).
type HandlerFunc func(ctx context.Context, args json.RawMessage, fp fingerprint.Fingerprint) (payload interface{}, status task.Status, detail string)

// KindHandlers maps each task.Kind to its handler.
type KindHandlers map[task.Kind]HandlerFunc

// NewKindHandlers builds the three kind handlers (spec.md §4.4) against p.
func NewKindHandlers(p provider.Provider) KindHandlers {
	return KindHandlers{
		task.KindCalendar:   calendarHandler(p),
		task.KindInstrument: instrumentHandler(p),
		task.KindFeature:    featureHandler(p),
	}
}

func parseTime(s string) (time.Time, error) {
	s = task.NormalizeSentinel(s)
	if s == task.Unspecified {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

func calendarHandler(p provider.Provider) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage, fp fingerprint.Fingerprint) (interface{}, task.Status, string) {
		var r task.CalendarRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, task.StatusInvalid, fmt.Sprintf("decode calendar args: %v", err)
		}
		start, err := parseTime(r.StartTime)
		if err != nil {
			return nil, task.StatusInvalid, fmt.Sprintf("bad start_time: %v", err)
		}
		end, err := parseTime(r.EndTime)
		if err != nil {
			return nil, task.StatusInvalid, fmt.Sprintf("bad end_time: %v", err)
		}
		days, err := p.Calendar(ctx, start, end, r.Freq, r.Future)
		if err != nil {
			return nil, task.StatusInvalid, err.Error()
		}
		out := make([]string, len(days))
		for i, d := range days {
			out[i] = d.Format("2006-01-02")
		}
		return out, task.StatusOK, ""
	}
}

func instrumentHandler(p provider.Provider) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage, fp fingerprint.Fingerprint) (interface{}, task.Status, string) {
		var r task.InstrumentRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, task.StatusInvalid, fmt.Sprintf("decode instrument args: %v", err)
		}
		start, err := parseTime(r.StartTime)
		if err != nil {
			return nil, task.StatusInvalid, fmt.Sprintf("bad start_time: %v", err)
		}
		end, err := parseTime(r.EndTime)
		if err != nil {
			return nil, task.StatusInvalid, fmt.Sprintf("bad end_time: %v", err)
		}
		universe := r.Instruments
		if len(universe) == 0 {
			for name := range r.UniverseRanges {
				universe = append(universe, name)
			}
		}
		list, ranges, err := p.ListInstruments(ctx, universe, start, end, r.Freq, r.AsList)
		if err != nil {
			return nil, task.StatusInvalid, err.Error()
		}
		if list != nil {
			return list, task.StatusOK, ""
		}
		// Stringify each (start,end) pair, as the original's
		// `{str(s), str(e) for s, e in t}` does (spec.md §4.4 "instrument").
		out := make(map[string][][2]string, len(ranges))
		for name, rs := range ranges {
			pairs := make([][2]string, len(rs))
			for i, rr := range rs {
				pairs[i] = [2]string{rr.Start.Format("2006-01-02"), rr.End.Format("2006-01-02")}
			}
			out[name] = pairs
		}
		return out, task.StatusOK, ""
	}
}

func featureHandler(p provider.Provider) HandlerFunc {
	fp2, supportsFeatures := p.(provider.FeatureProvider)
	return func(ctx context.Context, raw json.RawMessage, fp fingerprint.Fingerprint) (interface{}, task.Status, string) {
		if !supportsFeatures {
			// Programming-fatal per spec.md §4.4/§7 item 5: logged by the
			// caller, reported INVALID, never crashes the worker.
			return nil, task.StatusInvalid, "attribute-missing: provider does not implement FeaturesURI"
		}
		var r task.FeatureRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, task.StatusInvalid, fmt.Sprintf("decode feature args: %v", err)
		}
		start, err := parseTime(r.StartTime)
		if err != nil {
			return nil, task.StatusInvalid, fmt.Sprintf("bad start_time: %v", err)
		}
		end, err := parseTime(r.EndTime)
		if err != nil {
			return nil, task.StatusInvalid, fmt.Sprintf("bad end_time: %v", err)
		}
		uri, err := fp2.FeaturesURI(ctx, r.Instruments, r.Fields, start, end, r.Freq, r.DiskCacheLevel)
		if err != nil {
			return nil, task.StatusInvalid, err.Error()
		}
		return uri, task.StatusOK, ""
	}
}
