// Package websocket streams episodes to a remote collector over a websocket.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roadrl/carlaenv/pkg/core"
	"github.com/roadrl/carlaenv/pkg/streaming"
)

// Config holds WebSocket backend configuration.
type Config struct {
	URL    string
	Secret string
}

// Backend streams episode data over WebSocket. Episode boundaries wait for
// the server's ack; steps are fire-and-forget. It implements storage.Backend
// but not storage.Uploadable.
type Backend struct {
	conn *connection
	cfg  Config
	seq  atomic.Uint64

	mu      sync.Mutex
	episode *core.Episode
}

// New creates a new WebSocket storage backend.
func New(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		conn: newConnection(logger),
		cfg:  cfg,
	}
}

// Init connects to the WebSocket server.
func (b *Backend) Init() error {
	if b.cfg.URL == "" {
		return fmt.Errorf("websocket storage: url not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	return b.conn.dial(ctx, b.cfg.URL, b.cfg.Secret)
}

// Close disconnects from the WebSocket server.
func (b *Backend) Close() error {
	return b.conn.close()
}

// Dropped returns how many frames were dropped because the send queue was
// full.
func (b *Backend) Dropped() int64 {
	return b.conn.dropped.Load()
}

// marshalEnvelope builds a JSON-encoded Envelope from a message type and payload.
func marshalEnvelope(msgType string, seq uint64, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env := streaming.Envelope{Type: msgType, Seq: seq, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// StartEpisode sends the episode header and waits for server ack.
func (b *Backend) StartEpisode(e *core.Episode) error {
	cp := *e
	b.mu.Lock()
	b.episode = &cp
	b.mu.Unlock()

	seq := b.seq.Add(1)
	data, err := marshalEnvelope(streaming.TypeStartEpisode, seq, streaming.StartEpisodePayload{Episode: &cp})
	if err != nil {
		return err
	}

	// Cache for reconnect replay.
	b.conn.setReplay(data)
	return b.conn.sendAndWait(data, streaming.TypeStartEpisode, seq, ackTimeout)
}

// RecordStep sends one step without waiting.
func (b *Backend) RecordStep(s *core.StepRecord) error {
	b.mu.Lock()
	if b.episode != nil {
		b.episode.Accumulate(s)
	}
	b.mu.Unlock()

	data, err := marshalEnvelope(streaming.TypeStep, b.seq.Add(1), streaming.NewStepPayload(s))
	if err != nil {
		return err
	}
	return b.conn.send(data)
}

// EndEpisode sends the episode totals and waits for server ack.
func (b *Backend) EndEpisode() error {
	b.mu.Lock()
	ep := b.episode
	b.episode = nil
	b.mu.Unlock()
	if ep == nil {
		return nil
	}

	seq := b.seq.Add(1)
	data, err := marshalEnvelope(streaming.TypeEndEpisode, seq, streaming.EndEpisodePayload{
		EpisodeID:     ep.ID,
		Steps:         ep.Steps,
		TotalReward:   ep.TotalReward,
		Collisions:    ep.Collisions,
		LaneInvasions: ep.LaneInvasions,
	})
	if err != nil {
		return err
	}

	err = b.conn.sendAndWait(data, streaming.TypeEndEpisode, seq, ackTimeout)
	// Clear cached state regardless of error.
	b.conn.setReplay(nil)
	return err
}
