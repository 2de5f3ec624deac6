package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/models"
)

// ErrNotConnected is returned by sends while no connection is up
var ErrNotConnected = errors.New("not connected")

// ConnectionState represents the current state of the connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (cs ConnectionState) String() string {
	switch cs {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectionConfig holds configuration for the connection
type ConnectionConfig struct {
	URL                  string
	AuthToken            string // sent as a bearer token when set
	DeviceID             string // identifies heartbeats
	ConnectTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	FlushInterval        time.Duration
	MaxBatchesPerFlush   int
}

// DeliveryStats counts server replies to streamed batches
type DeliveryStats struct {
	Sent     int64
	Acked    int64
	Rejected int64
	Accepted int64 // readings the server stored
}

// Connection streams buffered gateway batches to the ingestion server over
// a websocket, reconnecting with exponential backoff
type Connection struct {
	cfg        ConnectionConfig
	buffer     *BatchBuffer
	logger     zerolog.Logger
	startedAt  time.Time
	conn       *websocket.Conn
	state      ConnectionState
	stateMutex sync.RWMutex

	currentReconnectInterval time.Duration
	lastPong                 time.Time
	lastPongMutex            sync.RWMutex
	wake                     chan struct{}

	sent     atomic.Int64
	acked    atomic.Int64
	rejected atomic.Int64
	accepted atomic.Int64
}

// NewConnection creates a new connection manager draining buffer
func NewConnection(cfg ConnectionConfig, buffer *BatchBuffer, logger zerolog.Logger) *Connection {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.MaxBatchesPerFlush <= 0 {
		cfg.MaxBatchesPerFlush = 10
	}
	return &Connection{
		cfg:                      cfg,
		buffer:                   buffer,
		logger:                   logger.With().Str("component", "stream-client").Logger(),
		startedAt:                time.Now(),
		state:                    StateDisconnected,
		currentReconnectInterval: cfg.ReconnectInterval,
		wake:                     make(chan struct{}, 1),
	}
}

// setState safely updates the connection state
func (c *Connection) setState(state ConnectionState) {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	c.state = state
	c.logger.Info().Str("state", state.String()).Msg("Connection state updated")
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.state
}

// IsConnected returns true if currently connected
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Stats returns the delivery counters
func (c *Connection) Stats() DeliveryStats {
	return DeliveryStats{
		Sent:     c.sent.Load(),
		Acked:    c.acked.Load(),
		Rejected: c.rejected.Load(),
		Accepted: c.accepted.Load(),
	}
}

// Enqueue buffers a batch and wakes the flush loop
func (c *Connection) Enqueue(batch *models.BatchPayload) bool {
	ok := c.buffer.Push(batch)
	if !ok {
		c.logger.Warn().Str("device_id", batch.DeviceID).Msg("Buffer full, batch dropped")
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return ok
}

// Connect establishes a WebSocket connection to the server and announces
// the gateway with a heartbeat
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	c.logger.Info().Str("url", c.cfg.URL).Msg("Connecting to server...")

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.ConnectTimeout,
	}

	header := http.Header{}
	if c.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial failed: %w", err)
	}
	resp.Body.Close()

	c.stateMutex.Lock()
	c.conn = conn
	c.stateMutex.Unlock()
	c.setState(StateConnected)
	c.currentReconnectInterval = c.cfg.ReconnectInterval // reset backoff
	c.logger.Info().Msg("Connected to server")

	if err := c.sendHeartbeat(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send registration")
		return err
	}
	return nil
}

// Run starts the connection manager with auto-reconnect.
// Blocks until context is cancelled.
func (c *Connection) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.Connect(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Connection failed")
			c.waitBeforeReconnect(ctx)
			continue
		}

		c.runMessageLoops(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info().Msg("Connection lost, will reconnect")
		c.waitBeforeReconnect(ctx)
	}
}

// waitBeforeReconnect waits before next reconnection attempt with exponential backoff
func (c *Connection) waitBeforeReconnect(ctx context.Context) {
	c.logger.Info().Dur("delay", c.currentReconnectInterval).Msg("Waiting before reconnect")
	select {
	case <-time.After(c.currentReconnectInterval):
	case <-ctx.Done():
		return
	}
	c.currentReconnectInterval *= 2
	if c.currentReconnectInterval > c.cfg.MaxReconnectInterval {
		c.currentReconnectInterval = c.cfg.MaxReconnectInterval
	}
}

// runMessageLoops runs the read, heartbeat and flush loops until one of
// them fails or ctx ends
func (c *Connection) runMessageLoops(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	loops := []func(context.Context){c.readLoop, c.heartbeatLoop, c.flushLoop}
	for _, loop := range loops {
		loop := loop
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			loop(ctx)
		}()
	}

	<-ctx.Done()
	// unblocks the read loop
	c.disconnect()
	wg.Wait()
}

// disconnect closes the WebSocket connection
func (c *Connection) disconnect() {
	c.stateMutex.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.state = StateDisconnected
	c.stateMutex.Unlock()
	c.logger.Info().Msg("Connection disconnected")
}

// SendBatch sends one gateway batch
func (c *Connection) SendBatch(batch *models.BatchPayload) error {
	msg, err := models.NewMessage(models.MessageTypeBatch, batch)
	if err != nil {
		return fmt.Errorf("failed to create batch message: %w", err)
	}
	if err := c.sendMessage(msg); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// sendMessage sends a message over the WebSocket
func (c *Connection) sendMessage(msg *models.Message) error {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}

// flushLoop drains the buffer whenever woken or on every flush interval
func (c *Connection) flushLoop(ctx context.Context) {
	c.logger.Debug().Msg("Starting flush loop")
	defer c.logger.Debug().Msg("Flush loop stopped")

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		if err := c.flush(); err != nil {
			c.logger.Warn().Err(err).Msg("Flush failed")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

// flush sends buffered batches until the buffer is empty. Unsent batches
// go back to the front of the buffer.
func (c *Connection) flush() error {
	for {
		batches := c.buffer.PopBatch(c.cfg.MaxBatchesPerFlush)
		if len(batches) == 0 {
			return nil
		}
		for i, batch := range batches {
			if err := c.SendBatch(batch); err != nil {
				c.buffer.Requeue(batches[i:])
				return err
			}
		}
		c.logger.Debug().Int("count", len(batches)).Int("buffered", c.buffer.Size()).Msg("Sent batches")
	}
}

// readLoop reads replies from the server
func (c *Connection) readLoop(ctx context.Context) {
	c.logger.Debug().Msg("Starting read loop")
	defer c.logger.Debug().Msg("Read loop stopped")

	c.stateMutex.RLock()
	conn := c.conn
	c.stateMutex.RUnlock()
	if conn == nil {
		return
	}

	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("Read error")
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// handleMessage processes a message received from the server
func (c *Connection) handleMessage(msg *models.Message) {
	c.updateLastPong()

	switch msg.Type {
	case models.MessageTypeAck:
		var ack models.AckMessage
		if err := msg.UnmarshalPayload(&ack); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed ack")
			return
		}
		if ack.Ref != models.MessageTypeBatch {
			return
		}
		c.acked.Add(1)
		c.accepted.Add(int64(ack.Accepted))
		c.logger.Debug().
			Int("accepted", ack.Accepted).
			Int("duplicates", ack.Duplicates).
			Int("outliers", ack.Outliers).
			Msg("Batch acknowledged")
	case models.MessageTypeError:
		var errMsg models.ErrorMessage
		if err := msg.UnmarshalPayload(&errMsg); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed error reply")
			return
		}
		c.rejected.Add(1)
		c.logger.Warn().Str("code", errMsg.Code).Str("msg", errMsg.Message).Msg("Batch rejected")
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("Unknown message type")
	}
}

// updateLastPong records that the server replied
func (c *Connection) updateLastPong() {
	c.lastPongMutex.Lock()
	defer c.lastPongMutex.Unlock()
	c.lastPong = time.Now()
}

// timeSinceLastPong returns duration since last reply
func (c *Connection) timeSinceLastPong() time.Duration {
	c.lastPongMutex.RLock()
	defer c.lastPongMutex.RUnlock()
	return time.Since(c.lastPong)
}

// heartbeatLoop sends periodic heartbeats and monitors connection health
func (c *Connection) heartbeatLoop(ctx context.Context) {
	c.logger.Debug().Msg("Starting heartbeat loop")
	defer c.logger.Debug().Msg("Heartbeat loop stopped")

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	c.updateLastPong()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send heartbeat")
				return
			}
			if c.timeSinceLastPong() > c.cfg.PongTimeout {
				c.logger.Warn().Msg("No reply received, connection appears dead")
				return
			}
		}
	}
}

// sendHeartbeat sends a heartbeat message to the server
func (c *Connection) sendHeartbeat() error {
	msg, err := models.NewMessage(models.MessageTypeHeartbeat, models.HeartbeatMessage{
		DeviceID: c.cfg.DeviceID,
		Uptime:   int64(time.Since(c.startedAt).Seconds()),
	})
	if err != nil {
		return err
	}
	return c.sendMessage(msg)
}

// Close gracefully shuts down the connection
func (c *Connection) Close() error {
	c.logger.Info().Msg("Closing connection")

	c.stateMutex.Lock()
	if c.conn != nil {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.conn.Close()
	}
	c.state = StateDisconnected
	c.stateMutex.Unlock()

	c.logger.Info().Msg("Connection closed")
	return nil
}
