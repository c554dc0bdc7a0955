// Package streaming defines the wire messages of the episode streaming
// protocol. Every message is an Envelope; the server answers episode
// boundaries with an AckMessage.
package streaming

import (
	"encoding/json"

	"github.com/roadrl/carlaenv/pkg/core"
)

// Message type constants matching the streaming protocol.
const (
	TypeStartEpisode = "start_episode"
	TypeStep         = "step"
	TypeEndEpisode   = "end_episode"
	TypeAck          = "ack"
)

// Envelope wraps all messages sent over the WebSocket. Seq increases by one
// per message within a connection session.
type Envelope struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
	Seq  uint64 `json:"seq"`  // the sequence number being acknowledged
}

// StartEpisodePayload carries the episode header.
type StartEpisodePayload struct {
	Episode *core.Episode `json:"episode"`
}

// ImageInfo describes an image field without its pixels.
type ImageInfo struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	Channels int `json:"channels"`
	BitDepth int `json:"bitDepth"`
}

// StepPayload carries one step. Pixel data is not streamed; Images lists
// the image fields the step had.
type StepPayload struct {
	Step   *core.StepRecord     `json:"step"`
	Images map[string]ImageInfo `json:"images,omitempty"`
}

// EndEpisodePayload carries the episode totals.
type EndEpisodePayload struct {
	EpisodeID     string  `json:"episodeId"`
	Steps         int     `json:"steps"`
	TotalReward   float64 `json:"totalReward"`
	Collisions    int     `json:"collisions"`
	LaneInvasions int     `json:"laneInvasions"`
}

// NewStepPayload builds a StepPayload for s.
func NewStepPayload(s *core.StepRecord) StepPayload {
	p := StepPayload{Step: s}
	if len(s.Images) > 0 {
		p.Images = make(map[string]ImageInfo, len(s.Images))
		for name, img := range s.Images {
			p.Images[name] = ImageInfo{Width: img.Width, Height: img.Height, Channels: img.Channels, BitDepth: img.BitDepth}
		}
	}
	return p
}
