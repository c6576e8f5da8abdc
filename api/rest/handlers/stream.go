package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"pht-monitor/core/broadcast"
	"pht-monitor/core/logger"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// dashboards are served from a different origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

type subscribeFunc func(ctx context.Context) (*broadcast.Subscription, error)

// StreamHandler pushes hub notifications to clients over SSE or WebSocket
type StreamHandler struct {
	svc          Service
	pingInterval time.Duration
	log          logrus.FieldLogger
}

func NewStreamHandler(svc Service, pingInterval time.Duration, log logrus.FieldLogger) *StreamHandler {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &StreamHandler{svc: svc, pingInterval: pingInterval, log: log.WithField("handler", "stream")}
}

// wsEnvelope frames a notification on a WebSocket
type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// JobsSSE handles GET /jobs/sse
func (h *StreamHandler) JobsSSE(w http.ResponseWriter, r *http.Request) {
	h.serveSSE(w, r, h.svc.SubscribeJobUpdates)
}

// MetricsSSE handles GET /jobs/metrics/sse
func (h *StreamHandler) MetricsSSE(w http.ResponseWriter, r *http.Request) {
	h.serveSSE(w, r, h.svc.SubscribeMetricUpdates)
}

// JobMetricsSSE handles GET /jobs/{id}/metrics/sse. Every append or delete
// on the job sends the job's refreshed list of the changed metric type.
func (h *StreamHandler) JobMetricsSSE(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	h.serveSSE(w, r, func(ctx context.Context) (*broadcast.Subscription, error) {
		return h.svc.SubscribeJobMetrics(ctx, jobID)
	})
}

// JobsWS handles GET /ws/jobs
func (h *StreamHandler) JobsWS(w http.ResponseWriter, r *http.Request) {
	h.serveWS(w, r, h.svc.SubscribeJobUpdates)
}

// MetricsWS handles GET /ws/metrics
func (h *StreamHandler) MetricsWS(w http.ResponseWriter, r *http.Request) {
	h.serveWS(w, r, h.svc.SubscribeMetricUpdates)
}

func (h *StreamHandler) serveSSE(w http.ResponseWriter, r *http.Request, subscribe subscribeFunc) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming unsupported"})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := subscribe(ctx)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	defer sub.Close()

	log := h.log.WithFields(logrus.Fields{"topic": sub.Topic, "subscriber": sub.ID})
	log.Debug("sse client connected")
	defer log.Debug("sse client disconnected")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.pingInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Event, n.Data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *StreamHandler) serveWS(w http.ResponseWriter, r *http.Request, subscribe subscribeFunc) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := subscribe(ctx)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription unavailable"),
			time.Now().Add(wsWriteWait))
		return
	}
	defer sub.Close()

	log := h.log.WithFields(logrus.Fields{"topic": sub.Topic, "subscriber": sub.ID})
	log.Debug("websocket client connected")
	defer log.Debug("websocket client disconnected")

	// the reader only watches for close frames and missed pongs
	pongWait := 2 * h.pingInterval
	go func() {
		defer cancel()
		conn.SetReadLimit(wsMaxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case n, ok := <-sub.C():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsEnvelope{Event: n.Event, Data: n.Data}); err != nil {
				return
			}
		}
	}
}
