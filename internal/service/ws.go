package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"golang.org/x/time/rate"
)

const wsWriteTimeout = 10 * time.Second

// WebSocketOptions bounds what one connection may ask for.
type WebSocketOptions struct {
	// RatePerSec limits speak requests per connection. Zero disables the limit.
	RatePerSec float64
	Burst      int
	// CheckOrigin defaults to same-origin checking when nil.
	CheckOrigin func(r *http.Request) bool
}

// WebSocketHandler serves GET /v1/speak/ws. Each text message from the
// client is a JSON SpeakRequest; the reply is one binary message per audio
// buffer followed by a JSON text message holding the final chunk.
func (s *Service) WebSocketHandler(opts WebSocketOptions) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     opts.CheckOrigin,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", slogError(err))
			return
		}
		defer conn.Close()

		limit := rate.Inf
		if opts.RatePerSec > 0 {
			limit = rate.Limit(opts.RatePerSec)
		}
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.serveConn(r.Context(), conn, rate.NewLimiter(limit, burst))
	})
}

func (s *Service) serveConn(ctx context.Context, conn *websocket.Conn, limiter *rate.Limiter) {
	logger := s.logger.With(slog.String("remote", conn.RemoteAddr().String()))
	if s.opts.MaxTextBytes > 0 {
		// Leave room for the JSON envelope around the text.
		conn.SetReadLimit(int64(s.opts.MaxTextBytes) + 1024)
	}
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", slogError(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			if err := writeFinal(conn, protocol.SpeakChunk{Final: true, Error: "expected a JSON text message"}); err != nil {
				return
			}
			continue
		}
		var req protocol.SpeakRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if err := writeFinal(conn, protocol.SpeakChunk{Final: true, Error: "malformed request"}); err != nil {
				return
			}
			continue
		}
		if !limiter.Allow() {
			if err := writeFinal(conn, protocol.SpeakChunk{RequestID: req.RequestID, Final: true, Error: "rate limited"}); err != nil {
				return
			}
			continue
		}

		var sendErr error
		s.Speak(ctx, req, func(chunk protocol.SpeakChunk) error {
			if chunk.Final {
				sendErr = writeFinal(conn, chunk)
				return sendErr
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			sendErr = conn.WriteMessage(websocket.BinaryMessage, chunk.Wave)
			return sendErr
		})
		if sendErr != nil {
			if !errors.Is(sendErr, websocket.ErrCloseSent) {
				logger.Debug("websocket write failed", slogError(sendErr))
			}
			return
		}
	}
}

func writeFinal(conn *websocket.Conn, chunk protocol.SpeakChunk) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(chunk)
}
