// Package monitor follows run progress published on a server's /ws
// endpoint, reconnecting with exponential backoff.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robproject/lre-sendes/pkg/api"
	"github.com/robproject/lre-sendes/pkg/logging"
	"go.uber.org/zap"
)

var ErrGaveUp = errors.New("monitor: max retries reached")

type Listener struct {
	Host       string
	TLSEnabled bool

	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	PingInterval   time.Duration

	logger *zap.Logger
}

func NewListener(host string, tlsEnabled bool, logger *zap.Logger) *Listener {
	return &Listener{
		Host:           host,
		TLSEnabled:     tlsEnabled,
		MaxRetries:     10,
		BaseRetryDelay: 2 * time.Second,
		MaxRetryDelay:  60 * time.Second,
		PingInterval:   30 * time.Second,
		logger:         logging.OrNop(logger),
	}
}

func (l *Listener) URL() string {
	scheme := "ws"
	if l.TLSEnabled {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: l.Host, Path: "/ws"}
	return u.String()
}

// Listen calls handle for every event until ctx is cancelled, in which case
// it returns nil. It gives up after MaxRetries failed dials in a row.
func (l *Listener) Listen(ctx context.Context, handle func(api.Event)) error {
	retryCount := 0
	for {
		if retryCount > 0 {
			retryDelay := min(time.Duration(1<<(retryCount-1))*l.BaseRetryDelay, l.MaxRetryDelay)
			l.logger.Info("retrying connection", zap.Duration("delay", retryDelay),
				zap.Int("attempt", retryCount+1), zap.Int("max", l.MaxRetries))
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil
			}
		}

		l.logger.Info("connecting", zap.String("url", l.URL()))
		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = 10 * time.Second
		c, _, err := dialer.DialContext(ctx, l.URL(), nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("connection failed", zap.Error(err))
			retryCount++
			if retryCount >= l.MaxRetries {
				return ErrGaveUp
			}
			continue
		}
		l.logger.Info("connected, following runs")
		retryCount = 0

		broken := l.handleConnection(ctx, c, handle)
		c.Close()
		if !broken {
			return nil
		}
		l.logger.Warn("connection lost, will retry")
		retryCount = 1
	}
}

// handleConnection reports whether the connection broke, as opposed to
// being closed because ctx was cancelled.
func (l *Listener) handleConnection(ctx context.Context, c *websocket.Conn, handle func(api.Event)) bool {
	done := make(chan struct{})

	deadline := func() { c.SetReadDeadline(time.Now().Add(2 * l.PingInterval)) }
	deadline()
	c.SetPongHandler(func(string) error {
		deadline()
		return nil
	})

	go func() {
		defer close(done)
		for {
			messageType, message, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					l.logger.Warn("websocket error", zap.Error(err))
				} else {
					l.logger.Info("connection closed", zap.Error(err))
				}
				return
			}
			deadline()

			if messageType != websocket.TextMessage {
				l.logger.Debug("unexpected message type", zap.Int("type", messageType))
				continue
			}
			var e api.Event
			if err := json.Unmarshal(message, &e); err != nil {
				l.logger.Warn("failed to parse event", zap.ByteString("message", message), zap.Error(err))
				continue
			}
			handle(e)
		}
	}()

	ticker := time.NewTicker(l.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return true
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				l.logger.Warn("failed to send ping", zap.Error(err))
			}
		case <-ctx.Done():
			err := c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			if err != nil {
				l.logger.Debug("error sending close message", zap.Error(err))
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return false
		}
	}
}

// Printer logs every event it is given.
func Printer(logger *zap.Logger) func(api.Event) {
	return func(e api.Event) {
		switch {
		case e.Type == api.EventRead && e.Read != nil:
			logger.Info(e.Read.String(), zap.String("run_id", e.RunID))
		case e.Type == api.EventDone && e.Summary != nil:
			logger.Info(e.Summary.String(), zap.String("run_id", e.RunID))
		case e.Type == api.EventFailed:
			logger.Error("run failed", zap.String("run_id", e.RunID), zap.String("error", e.Error))
		}
	}
}
