package xlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamHandlerWritesFormattedRecord(t *testing.T) {
	var buf bytes.Buffer
	h := StreamHandler(&buf, TerminalFormat(false))
	l := &logger{h: &swapHandler{h: h}}

	l.Info("hello", "key", "value")

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "key=value")
	assert.Contains(t, out, "INFO")
}

func TestNewAppendsContext(t *testing.T) {
	var buf bytes.Buffer
	h := StreamHandler(&buf, TerminalFormat(false))
	root := &logger{h: &swapHandler{h: h}}
	child := root.New("component", "worker")

	child.Warn("degraded")

	assert.Contains(t, buf.String(), "component=worker")
}

func TestLvlFilterHandlerDropsBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	h := LvlFilterHandler(LvlWarn, StreamHandler(&buf, TerminalFormat(false)))
	l := &logger{h: &swapHandler{h: h}}

	l.Debug("should be dropped")
	l.Error("should pass")

	out := buf.String()
	assert.NotContains(t, out, "should be dropped")
	assert.Contains(t, out, "should pass")
}

func TestFilterHandlerDropsMatchingMessages(t *testing.T) {
	var buf bytes.Buffer
	filtered, err := FilterHandler("data not found", StreamHandler(&buf, TerminalFormat(false)))
	assert.NoError(t, err)
	l := &logger{h: &swapHandler{h: filtered}}

	l.Warn("data not found for instrument AAPL")
	l.Warn("queue connection established")

	out := buf.String()
	assert.False(t, strings.Contains(out, "data not found"))
	assert.True(t, strings.Contains(out, "queue connection established"))
}

func TestMultiHandlerFansOutToAllSinks(t *testing.T) {
	var a, b bytes.Buffer
	h := MultiHandler(StreamHandler(&a, TerminalFormat(false)), StreamHandler(&b, TerminalFormat(false)))
	l := &logger{h: &swapHandler{h: h}}

	l.Info("fan out")

	assert.Contains(t, a.String(), "fan out")
	assert.Contains(t, b.String(), "fan out")
}

func TestDualSinkLoggingGatesOtherIndependentlyOfConsole(t *testing.T) {
	var console, other bytes.Buffer
	consoleH := LvlFilterHandler(LvlDebug, StreamHandler(&console, TerminalFormat(false)))
	otherH := LvlFilterHandler(LvlWarn, StreamHandler(&other, TerminalFormat(false)))
	l := &logger{h: &swapHandler{h: MultiHandler(consoleH, otherH)}}

	l.Debug("routine poll")
	l.Warn("queue reconnect")

	assert.Contains(t, console.String(), "routine poll", "console sees everything at its own floor")
	assert.Contains(t, console.String(), "queue reconnect")
	assert.NotContains(t, other.String(), "routine poll", "other sink stays WARNING-gated regardless of the console level")
	assert.Contains(t, other.String(), "queue reconnect")
}

func TestJSONFormatProducesOneLineJSON(t *testing.T) {
	var buf bytes.Buffer
	h := StreamHandler(&buf, JSONFormat())
	l := &logger{h: &swapHandler{h: h}}

	l.Info("structured", "k", "v")

	out := buf.String()
	assert.Contains(t, out, `"msg":"structured"`)
	assert.Contains(t, out, `"k":"v"`)
}
