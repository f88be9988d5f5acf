// Package gateway implements C5, the Request Handler (spec.md §4.5): the
// websocket ingress/egress boundary between clients and the rest of the
// dispatch fabric.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/streadway/amqp"

	"github.com/qdatasvc/qdata-server/internal/coalescing"
	"github.com/qdatasvc/qdata-server/internal/fingerprint"
	"github.com/qdatasvc/qdata-server/internal/metrics"
	"github.com/qdatasvc/qdata-server/internal/provider"
	"github.com/qdatasvc/qdata-server/internal/queue"
	"github.com/qdatasvc/qdata-server/internal/session"
	"github.com/qdatasvc/qdata-server/internal/task"
	"github.com/qdatasvc/qdata-server/internal/version"
	"github.com/qdatasvc/qdata-server/internal/xlog"
)

// clientEvent is what a connected client sends: a named event plus its
// raw payload, the wire shape of the original's socket.io messages.
type clientEvent struct {
	Event         string          `json:"event"`
	ClientVersion string          `json:"client_version"`
	Payload       json.RawMessage `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway runs the websocket ingress loop and owns the session registry.
type Gateway struct {
	conn         *amqp.Connection
	idx          *coalescing.Index
	taskQueue    string
	sessions     *session.Registry
	checker      *version.Checker
	pingInterval time.Duration
	uriProvider  provider.URIProvider
	metrics      *metrics.Metrics
	log          xlog.Logger
}

// Params bundles Gateway's constructor arguments.
type Params struct {
	Conn         *amqp.Connection
	Index        *coalescing.Index
	TaskQueue    string
	Sessions     *session.Registry
	Checker      *version.Checker
	PingInterval time.Duration
	URIProvider  provider.URIProvider
	Metrics      *metrics.Metrics
}

// New builds a Gateway.
func New(p Params) *Gateway {
	return &Gateway{
		conn:         p.Conn,
		idx:          p.Index,
		taskQueue:    p.TaskQueue,
		sessions:     p.Sessions,
		checker:      p.Checker,
		pingInterval: p.PingInterval,
		uriProvider:  p.URIProvider,
		metrics:      p.Metrics,
		log:          xlog.New("component", "request_handler"),
	}
}

// ServeHTTP upgrades the connection and runs its read loop until it
// disconnects. One connection is one session for the connection's whole
// lifetime (spec.md §4.5 "connect"/"disconnect").
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ssid := session.New()
	g.sessions.Add(ssid, conn)
	if g.metrics != nil {
		g.metrics.LiveSessions.Set(float64(g.sessions.Len()))
	}
	g.log.Info("connect", "ssid", ssid, "remote", r.RemoteAddr)

	defer func() {
		g.sessions.Remove(ssid)
		if g.metrics != nil {
			g.metrics.LiveSessions.Set(float64(g.sessions.Len()))
		}
		g.log.Info("disconnect", "ssid", ssid)
	}()

	// Each connection publishes to C2 over its own channel, never sharing
	// one across goroutines (spec.md §5, §9 "Lazy channel after fork").
	taskCh, err := queue.NewChannel(g.conn, g.taskQueue)
	if err != nil {
		g.log.Error("open task channel failed", "ssid", ssid, "err", err)
		return
	}
	defer taskCh.Close()

	if g.pingInterval > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go g.keepalive(ssid, stop)
	}

	for {
		_, body, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev clientEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			g.log.Warn("malformed client event", "ssid", ssid, "err", err)
			continue
		}
		g.handleEvent(r.Context(), taskCh, ssid, ev)
	}
}

// keepalive pings the connection at the configured interval so idle
// clients aren't dropped by intermediate proxies (spec.md §6
// gateway_ping_interval). It pings through the session registry, never
// the raw *websocket.Conn, so the ping takes the same per-connection
// lock Emit uses and can't interleave with a concurrent response write.
func (g *Gateway) keepalive(ssid session.ID, stop <-chan struct{}) {
	t := time.NewTicker(g.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := g.sessions.Ping(ssid, time.Now().Add(g.pingInterval)); err != nil {
				g.log.Debug("ping failed", "ssid", ssid, "err", err)
				return
			}
		}
	}
}

func (g *Gateway) handleEvent(ctx context.Context, taskCh *queue.Channel, ssid session.ID, ev clientEvent) {
	kind, ok := eventKind(ev.Event)
	if !ok {
		g.log.Warn("unknown client event", "ssid", ssid, "event", ev.Event)
		return
	}
	if g.metrics != nil {
		g.metrics.RequestsTotal.WithLabelValues(string(kind)).Inc()
	}

	if err := g.checker.Check(ev.ClientVersion); err != nil {
		// Version mismatch is reported straight back to the originating
		// session without ever reaching C1/C2 (spec.md §4.5 step 1).
		g.emitInvalid(ssid, kind, err.Error())
		return
	}

	fp, err := fingerprint.ForEnvelope(kind, ev.Payload, g.uriProvider)
	if err != nil {
		g.emitInvalid(ssid, kind, err.Error())
		return
	}

	n, err := g.idx.AppendAndCount(ctx, fp, string(ssid))
	if err != nil {
		g.log.Error("coalescing append failed", "ssid", ssid, "fingerprint", fp, "err", err)
		g.emitInvalid(ssid, kind, "internal error")
		return
	}
	if n > 1 {
		// A caller already in flight for this fingerprint; this session
		// joined its WaitSet and will hear the shared result later
		// (spec.md §4.1, P3).
		if g.metrics != nil {
			g.metrics.CoalescedTotal.Inc()
		}
		return
	}

	env := task.TaskEnvelope{
		Meta: task.TaskMeta{Kind: kind, OriginSsid: string(ssid)},
		Args: ev.Payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		g.log.Error("encode task envelope failed", "err", err)
		return
	}
	if err := taskCh.Publish(body); err != nil {
		g.log.Error("publish task failed", "ssid", ssid, "fingerprint", fp, "err", err)
	}
}

func (g *Gateway) emitInvalid(ssid session.ID, kind task.Kind, detail string) {
	if g.metrics != nil {
		g.metrics.ResponsesTotal.WithLabelValues(string(kind), "invalid").Inc()
	}
	env := task.ResponseEnvelope{Kind: kind, Ssids: []string{string(ssid)}, Status: task.StatusInvalid, Detail: detail}
	if err := g.sessions.Emit(ssid, eventName(kind), env); err != nil {
		g.log.Warn("emit invalid response failed", "ssid", ssid, "err", err)
	}
}

func eventKind(event string) (task.Kind, bool) {
	switch event {
	case "calendar_request":
		return task.KindCalendar, true
	case "instrument_request":
		return task.KindInstrument, true
	case "feature_request":
		return task.KindFeature, true
	default:
		return "", false
	}
}

func eventName(kind task.Kind) string {
	return fmt.Sprintf("%s_response", kind)
}

// Responder consumes C3 (the response queue) and fans each envelope out to
// every ssid that waited on it (spec.md §4.5 step 2).
type Responder struct {
	conn           *amqp.Connection
	respQueue      string
	maxConcurrency int
	sessions       *session.Registry
	metrics        *metrics.Metrics
	log            xlog.Logger
}

// NewResponder builds a Responder. maxConcurrency bounds the egress
// prefetch (spec.md §6: max_concurrency governs both the startup-drain
// prefetch and the egress prefetch).
func NewResponder(conn *amqp.Connection, respQueue string, maxConcurrency int, sessions *session.Registry, m *metrics.Metrics) *Responder {
	return &Responder{conn: conn, respQueue: respQueue, maxConcurrency: maxConcurrency, sessions: sessions, metrics: m, log: xlog.New("component", "request_handler_responder")}
}

// Run consumes responses until ctx is cancelled.
func (r *Responder) Run(ctx context.Context) error {
	ch, err := queue.NewChannel(r.conn, r.respQueue)
	if err != nil {
		return fmt.Errorf("gateway: responder: open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.SetPrefetch(r.maxConcurrency); err != nil {
		return fmt.Errorf("gateway: responder: %w", err)
	}

	deliveries, err := ch.Consume("qdata-responder")
	if err != nil {
		return fmt.Errorf("gateway: responder: consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			r.deliver(d)
		}
	}
}

func (r *Responder) deliver(d amqp.Delivery) {
	var env task.ResponseEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		r.log.Error("malformed response envelope", "err", err)
		_ = queue.Ack(d)
		return
	}
	if !env.Kind.Valid() {
		r.log.Warn("unknown response kind", "kind", env.Kind)
		_ = queue.Ack(d)
		return
	}

	statusLabel := "ok"
	if env.Status != task.StatusOK {
		statusLabel = "invalid"
	}
	for _, ssid := range env.Ssids {
		if err := r.sessions.Emit(session.ID(ssid), eventName(env.Kind), env); err != nil {
			r.log.Warn("emit response failed", "ssid", ssid, "err", err)
		}
		if r.metrics != nil {
			r.metrics.ResponsesTotal.WithLabelValues(string(env.Kind), statusLabel).Inc()
		}
	}
	if err := queue.Ack(d); err != nil {
		r.log.Error("ack failed", "err", err)
	}
}
