package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qdatasvc/qdata-server/internal/session"
	"github.com/qdatasvc/qdata-server/internal/task"
	"github.com/qdatasvc/qdata-server/internal/version"
	"github.com/qdatasvc/qdata-server/internal/xlog"
)

func TestEventKindRoundTrip(t *testing.T) {
	for event, want := range map[string]task.Kind{
		"calendar_request":   task.KindCalendar,
		"instrument_request": task.KindInstrument,
		"feature_request":    task.KindFeature,
	} {
		kind, ok := eventKind(event)
		require.True(t, ok)
		assert.Equal(t, want, kind)
		assert.Equal(t, event[:len(event)-len("_request")]+"_response", eventName(kind))
	}
}

func TestEventKindRejectsUnknownEvent(t *testing.T) {
	_, ok := eventKind("bogus_event")
	assert.False(t, ok)
}

func TestHandleEventVersionMismatchSkipsQueueAndIndex(t *testing.T) {
	checker, err := version.NewChecker(">=0.4.0")
	require.NoError(t, err)

	sessions := session.NewRegistry()
	ssid := session.New()
	// No live websocket connection registered: Emit for this ssid is a
	// no-op, but handleEvent's version-mismatch branch must still return
	// cleanly without touching the queue or coalescing index.
	g := &Gateway{sessions: sessions, checker: checker, log: xlog.New()}

	payload, _ := json.Marshal(task.CalendarRequest{StartTime: "2020-01-01", EndTime: "2020-01-07", Freq: "day"})
	ev := clientEvent{Event: "calendar_request", ClientVersion: "0.1.0", Payload: payload}

	assert.NotPanics(t, func() {
		g.handleEvent(context.Background(), nil, ssid, ev)
	})
}
