package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadrl/carlaenv/pkg/core"
	"github.com/roadrl/carlaenv/pkg/streaming"
)

// testServer creates an httptest server that upgrades to WebSocket,
// records received messages, and acks start_episode/end_episode.
func testServer(t *testing.T, ack bool) (*httptest.Server, *messageLog) {
	t.Helper()
	ml := &messageLog{}

	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ml.setSecret(r.URL.Query().Get("secret"))
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer c.Close()

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}

			var env streaming.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			ml.add(env)

			if ack && (env.Type == streaming.TypeStartEpisode || env.Type == streaming.TypeEndEpisode) {
				data, _ := json.Marshal(streaming.AckMessage{Type: streaming.TypeAck, For: env.Type, Seq: env.Seq})
				if err := c.WriteMessage(ws.TextMessage, data); err != nil {
					return
				}
			}
		}
	}))

	return srv, ml
}

type messageLog struct {
	mu       sync.Mutex
	messages []streaming.Envelope
	secret   string
}

func (m *messageLog) add(env streaming.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, env)
}

func (m *messageLog) setSecret(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secret = s
}

func (m *messageLog) all() []streaming.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]streaming.Envelope, len(m.messages))
	copy(cp, m.messages)
	return cp
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitRequiresURL(t *testing.T) {
	assert.Error(t, New(Config{}, discard()).Init())
}

func TestEpisodeStream(t *testing.T) {
	srv, ml := testServer(t, true)
	defer srv.Close()

	b := New(Config{URL: wsURL(srv), Secret: "test"}, discard())
	require.NoError(t, b.Init())
	defer b.Close()

	require.NoError(t, b.StartEpisode(&core.Episode{ID: "ep", MapName: "Town01"}))
	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordStep(&core.StepRecord{
			Step:      i,
			Reward:    map[string]float64{"velocity": 1},
			Collision: i == 2,
			Images:    map[string]*core.Image{"cam": {Width: 2, Height: 2, Channels: 3, BitDepth: 8, Pix: make([]byte, 12)}},
		}))
	}
	require.NoError(t, b.EndEpisode())

	msgs := ml.all()
	require.Len(t, msgs, 5)
	assert.Equal(t, streaming.TypeStartEpisode, msgs[0].Type)
	assert.Equal(t, streaming.TypeEndEpisode, msgs[4].Type)
	for i, m := range msgs {
		assert.Equal(t, uint64(i+1), m.Seq)
	}

	var step streaming.StepPayload
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &step))
	assert.Equal(t, 0, step.Step.Step)
	assert.Equal(t, streaming.ImageInfo{Width: 2, Height: 2, Channels: 3, BitDepth: 8}, step.Images["cam"])

	var end streaming.EndEpisodePayload
	require.NoError(t, json.Unmarshal(msgs[4].Payload, &end))
	assert.Equal(t, "ep", end.EpisodeID)
	assert.Equal(t, 2, end.Steps)
	assert.Equal(t, 3.0, end.TotalReward)
	assert.Equal(t, 1, end.Collisions)

	ml.mu.Lock()
	assert.Equal(t, "test", ml.secret)
	ml.mu.Unlock()

	// the replay frame is cleared with the episode
	b.conn.mu.Lock()
	assert.Nil(t, b.conn.replay)
	b.conn.mu.Unlock()
}

func TestEndWithoutEpisode(t *testing.T) {
	srv, _ := testServer(t, true)
	defer srv.Close()

	b := New(Config{URL: wsURL(srv)}, discard())
	require.NoError(t, b.Init())
	defer b.Close()

	require.NoError(t, b.EndEpisode())
}

func TestStartTimesOutWithoutAck(t *testing.T) {
	srv, _ := testServer(t, false)
	defer srv.Close()

	b := New(Config{URL: wsURL(srv)}, discard())
	require.NoError(t, b.Init())
	defer b.Close()

	data, err := marshalEnvelope(streaming.TypeStartEpisode, 1, nil)
	require.NoError(t, err)
	err = b.conn.sendAndWait(data, streaming.TypeStartEpisode, 1, 100*time.Millisecond)
	assert.ErrorContains(t, err, "timeout")
}

func TestSendAfterClose(t *testing.T) {
	srv, _ := testServer(t, true)
	defer srv.Close()

	b := New(Config{URL: wsURL(srv)}, discard())
	require.NoError(t, b.Init())
	require.NoError(t, b.Close())
	// closing twice is harmless
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.RecordStep(&core.StepRecord{}), errConnClosed)
}

func TestMarshalEnvelope(t *testing.T) {
	data, err := marshalEnvelope(streaming.TypeStep, 9, map[string]int{"a": 1})
	require.NoError(t, err)

	var env streaming.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, streaming.TypeStep, env.Type)
	assert.Equal(t, uint64(9), env.Seq)
	assert.JSONEq(t, `{"a":1}`, string(env.Payload))
}
