package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/ingest"
	"github.com/afroash/climate-ingest/internal/models"
)

// Constants for WebSocket timeouts
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamHandler accepts long-lived gateway connections on /sensor-stream.
// Every batch message runs through the same pipeline as the HTTP endpoint.
type StreamHandler struct {
	upgrader       websocket.Upgrader
	ingester       Ingester
	activity       ActivityRecorder
	logger         zerolog.Logger
	activeDevices  map[string]*DeviceConnection
	connToDeviceID map[string]string // conn.RemoteAddr().String() to the last deviceId seen
	allowedOrigins []string
	mutex          sync.RWMutex
}

// DeviceConnection represents an active gateway connection
type DeviceConnection struct {
	DeviceID    string `json:"device_id"`
	Conn        *websocket.Conn
	LastSeen    time.Time
	ConnectedAt time.Time
}

// NewStreamHandler creates a new WebSocket handler
func NewStreamHandler(ingester Ingester, activity ActivityRecorder, logger zerolog.Logger, allowedOrigins ...string) *StreamHandler {
	h := &StreamHandler{
		ingester:       ingester,
		activity:       activity,
		logger:         logger.With().Str("component", "stream").Logger(),
		activeDevices:  make(map[string]*DeviceConnection),
		connToDeviceID: make(map[string]string),
		allowedOrigins: allowedOrigins,
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

// checkOrigin validates the incoming request's Origin against the configured allowlist
func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	// No Origin header means a non-browser client or same-origin request
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || origin == allowed {
			return true
		}
	}

	h.logger.Warn().Str("origin", origin).Msg("Rejected WebSocket connection: origin not in allowlist")
	return false
}

// ServeHTTP upgrades the connection. Authentication happens per batch, since
// the shared secret travels in the batch itself.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	h.handleConnection(r.Context(), conn, bearer)
}

// handleConnection runs the read loop of a single connection
func (h *StreamHandler) handleConnection(ctx context.Context, conn *websocket.Conn, bearer string) {
	connKey := conn.RemoteAddr().String()
	now := time.Now()
	h.mutex.Lock()
	h.activeDevices[connKey] = &DeviceConnection{
		DeviceID:    connKey, // replaced by the first deviceId the gateway sends
		Conn:        conn,
		LastSeen:    now,
		ConnectedAt: now,
	}
	h.mutex.Unlock()

	done := make(chan struct{})
	defer conn.Close()
	defer h.removeDevice(connKey)
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go h.pingLoop(conn, done)

	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleMessage(ctx, conn, connKey, bearer, &msg)
	}
}

// pingLoop keeps idle connections alive. WriteControl is safe alongside the
// read loop's writes.
func (h *StreamHandler) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// handleMessage processes a single message from a gateway
func (h *StreamHandler) handleMessage(ctx context.Context, conn *websocket.Conn, connKey, bearer string, msg *models.Message) {
	h.logger.Debug().Str("type", string(msg.Type)).Msg("Received message")
	h.updateLastSeen(connKey, "")

	switch msg.Type {
	case models.MessageTypeBatch:
		h.handleBatch(ctx, conn, connKey, bearer, msg)
	case models.MessageTypeHeartbeat:
		h.handleHeartbeat(conn, connKey, msg)
	default:
		h.logger.Warn().Str("type", string(msg.Type)).Msg("Unknown message type")
		h.sendError(conn, "unknown_message_type", fmt.Sprintf("unsupported message type %q", msg.Type))
	}
}

// handleBatch runs one batch through the ingest pipeline and answers with an
// ack carrying the counts, or an error carrying the same code the HTTP
// endpoint would return
func (h *StreamHandler) handleBatch(ctx context.Context, conn *websocket.Conn, connKey, bearer string, msg *models.Message) {
	var payload models.BatchPayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		h.logger.Error().Err(err).Msg("Failed to unmarshal batch")
		h.ingester.RecordFailure(ctx, "", fmt.Errorf("invalid batch payload: %w", err))
		h.sendError(conn, ingest.ErrInternal.Error(), "")
		return
	}

	if !h.ingester.Authenticate(payload.DeviceID, bearer) {
		h.sendError(conn, ingest.ErrUnauthorized.Error(), "")
		return
	}
	label := h.ingester.DeviceLabel(payload.DeviceID)
	h.updateLastSeen(connKey, label)

	result, err := h.ingester.Ingest(ctx, ingest.Batch{DeviceID: payload.DeviceID, Tags: payload.Tags})
	status, resp := ingestOutcome(result, err)
	if status != http.StatusOK {
		if status == http.StatusTooManyRequests {
			h.activity.Add(summarize(label, TransportStream, nil, err))
		}
		h.sendError(conn, resp.(errorResponse).Error, "")
		return
	}

	h.activity.Add(summarize(label, TransportStream, result, nil))
	h.logger.Info().
		Int("accepted", result.Accepted).
		Int("duplicates", result.Duplicates).
		Int("outliers", result.Outliers).
		Int("errors", result.Errors).
		Msg("Stream batch processed")
	h.send(conn, models.MessageTypeAck, models.AckMessage{
		Ref:        models.MessageTypeBatch,
		OK:         true,
		Accepted:   result.Accepted,
		Duplicates: result.Duplicates,
		Outliers:   result.Outliers,
	})
}

// handleHeartbeat processes a heartbeat message
func (h *StreamHandler) handleHeartbeat(conn *websocket.Conn, connKey string, msg *models.Message) {
	var heartbeat models.HeartbeatMessage
	if err := msg.UnmarshalPayload(&heartbeat); err != nil {
		h.logger.Error().Err(err).Msg("Failed to unmarshal heartbeat")
		return
	}

	label := ""
	if heartbeat.DeviceID != "" {
		label = h.ingester.DeviceLabel(heartbeat.DeviceID)
	}
	h.updateLastSeen(connKey, label)
	h.logger.Debug().Str("device_id", label).Int64("uptime", heartbeat.Uptime).Msg("Heartbeat received")
	h.send(conn, models.MessageTypeAck, models.AckMessage{Ref: models.MessageTypeHeartbeat, OK: true})
}

func (h *StreamHandler) sendError(conn *websocket.Conn, code, message string) {
	h.send(conn, models.MessageTypeError, models.ErrorMessage{Code: code, Message: message})
}

func (h *StreamHandler) send(conn *websocket.Conn, msgType models.MessageType, payload any) {
	msg, err := models.NewMessage(msgType, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(msgType)).Msg("Failed to create message")
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Warn().Err(err).Str("type", string(msgType)).Msg("Failed to send message")
	}
}

// updateLastSeen refreshes the connection and, when known, its device id
func (h *StreamHandler) updateLastSeen(connKey, deviceID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	device, exists := h.activeDevices[connKey]
	if !exists {
		return
	}
	device.LastSeen = time.Now()
	if deviceID != "" && h.connToDeviceID[connKey] != deviceID {
		h.connToDeviceID[connKey] = deviceID
		device.DeviceID = deviceID
	}
}

// removeDevice drops a closed connection
func (h *StreamHandler) removeDevice(connKey string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	deviceID := connKey
	if realID, exists := h.connToDeviceID[connKey]; exists {
		deviceID = realID
	}
	delete(h.activeDevices, connKey)
	delete(h.connToDeviceID, connKey)
	h.logger.Info().Str("device_id", deviceID).Msg("Gateway disconnected")
}

// GetActiveDevices returns the currently connected gateways
func (h *StreamHandler) GetActiveDevices() []DeviceConnection {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	devices := make([]DeviceConnection, 0, len(h.activeDevices))
	for _, device := range h.activeDevices {
		devices = append(devices, *device)
	}
	return devices
}
