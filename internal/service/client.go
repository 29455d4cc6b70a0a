package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ErrStreamGap reports a chunk that arrived out of sequence.
var ErrStreamGap = errors.New("speak stream out of sequence")

// Client requests speech from any node serving the speak subject.
type Client struct {
	conn *nats.Conn
}

func NewClient(conn *nats.Conn) *Client {
	return &Client{conn: conn}
}

// Speak sends req and calls onWave for each audio buffer in order until the
// final chunk arrives, which is returned. A final chunk carrying Error is
// returned together with that error.
func (c *Client) Speak(ctx context.Context, req protocol.SpeakRequest, onWave func([]byte) error) (protocol.SpeakChunk, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return protocol.SpeakChunk{}, err
	}

	inbox := c.conn.NewRespInbox()
	sub, err := c.conn.SubscribeSync(inbox)
	if err != nil {
		return protocol.SpeakChunk{}, fmt.Errorf("subscribe reply inbox: %w", err)
	}
	defer sub.Unsubscribe()

	if err := c.conn.PublishRequest(protocol.SubjectSpeakRequest, inbox, payload); err != nil {
		return protocol.SpeakChunk{}, fmt.Errorf("publish speak request: %w", err)
	}

	next := 0
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return protocol.SpeakChunk{}, fmt.Errorf("await speak chunk %d: %w", next, err)
		}
		var chunk protocol.SpeakChunk
		if err := json.Unmarshal(msg.Data, &chunk); err != nil {
			return protocol.SpeakChunk{}, fmt.Errorf("decode speak chunk: %w", err)
		}
		if chunk.Sequence != next {
			return chunk, fmt.Errorf("%w: got %d, want %d", ErrStreamGap, chunk.Sequence, next)
		}
		if chunk.Final {
			if chunk.Error != "" {
				return chunk, errors.New(chunk.Error)
			}
			return chunk, nil
		}
		next++
		if onWave != nil {
			if err := onWave(chunk.Wave); err != nil {
				return chunk, err
			}
		}
	}
}
