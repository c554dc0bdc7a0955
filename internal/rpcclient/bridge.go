package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/roadrl/carlaenv/pkg/sim"
)

const lightIDBase sim.ActorID = 1 << 24

// Bridge serves a sim.Client over the websocket protocol Client speaks. It
// lets the environment reach an in-process simulator through the same
// transport it uses for a real one.
type Bridge struct {
	client   sim.Client
	logger   *slog.Logger
	upgrader ws.Upgrader
}

// NewBridge creates a bridge in front of client.
func NewBridge(client sim.Client, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{client: client, logger: logger}
}

// ServeHTTP upgrades the request and serves calls until the peer leaves.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("Bridge upgrade failed", "error", err)
		return
	}
	s := &session{
		b:      b,
		conn:   conn,
		actors: make(map[sim.ActorID]sim.Actor),
		lights: make(map[sim.ActorID]sim.TrafficLight),
	}
	s.serve(context.Background())
}

type session struct {
	b    *Bridge
	conn *ws.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	actors map[sim.ActorID]sim.Actor
	lights map[sim.ActorID]sim.TrafficLight
	nextLt sim.ActorID
}

type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type reply struct {
	ID     uint64 `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

type push struct {
	Method string     `json:"method"`
	Params SensorPush `json:"params"`
}

func (s *session) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(ws.TextMessage, data)
}

func (s *session) serve(ctx context.Context) {
	defer s.conn.Close()
	defer s.stopSensors()
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(message, &req); err != nil {
			s.b.logger.Warn("Bridge received malformed request", "error", err)
			continue
		}
		result, err := s.handle(ctx, req)
		rep := reply{ID: req.ID, Result: result}
		if err != nil {
			code := 500
			if errors.Is(err, sim.ErrNotFound) {
				code = CodeNotFound
			}
			rep.Result = nil
			rep.Error = &Error{Code: code, Message: err.Error()}
		}
		if err := s.write(rep); err != nil {
			return
		}
	}
}

func (s *session) stopSensors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actors {
		if sn, ok := a.(sim.Sensor); ok {
			_ = sn.Stop(context.Background())
		}
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

func (s *session) lookup(id sim.ActorID) (sim.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	if !ok {
		return nil, fmt.Errorf("actor %d: %w", id, sim.ErrNotFound)
	}
	return a, nil
}

func (s *session) vehicle(raw json.RawMessage) (sim.Vehicle, error) {
	p, err := decode[idParams](raw)
	if err != nil {
		return nil, err
	}
	a, err := s.lookup(p.ID)
	if err != nil {
		return nil, err
	}
	v, ok := a.(sim.Vehicle)
	if !ok {
		return nil, fmt.Errorf("actor %d is not a vehicle", p.ID)
	}
	return v, nil
}

func (s *session) sensor(raw json.RawMessage) (sim.Sensor, error) {
	p, err := decode[idParams](raw)
	if err != nil {
		return nil, err
	}
	a, err := s.lookup(p.ID)
	if err != nil {
		return nil, err
	}
	sn, ok := a.(sim.Sensor)
	if !ok {
		return nil, fmt.Errorf("actor %d is not a sensor", p.ID)
	}
	return sn, nil
}

func (s *session) light(id sim.ActorID) (sim.TrafficLight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lights[id]
	if !ok {
		return nil, fmt.Errorf("traffic light %d: %w", id, sim.ErrNotFound)
	}
	return l, nil
}

func (s *session) handle(ctx context.Context, req request) (any, error) {
	switch req.Method {
	case MethodServerVersion:
		return s.b.client.ServerVersion(ctx)
	}

	w, err := s.b.client.World(ctx)
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case MethodWorldMap:
		m, err := w.Map(ctx)
		if err != nil {
			return nil, err
		}
		return mapResult{Name: m.Name()}, nil

	case MethodBlueprints:
		lib, err := w.Blueprints(ctx)
		if err != nil {
			return nil, err
		}
		return lib.Filter("*"), nil

	case MethodSpawnActor:
		p, err := decode[spawnParams](req.Params)
		if err != nil {
			return nil, err
		}
		var parent sim.Actor
		if p.Parent != nil {
			if parent, err = s.lookup(*p.Parent); err != nil {
				return nil, err
			}
		}
		a, err := w.SpawnActor(ctx, p.Blueprint, p.Transform, parent)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.actors[a.ID()] = a
		s.mu.Unlock()
		class := ClassOther
		switch a.(type) {
		case sim.Vehicle:
			class = ClassVehicle
		case sim.Sensor:
			class = ClassSensor
		}
		return spawnResult{ID: a.ID(), TypeID: a.TypeID(), Class: class}, nil

	case MethodSettings:
		return w.Settings(ctx)

	case MethodApplySettings:
		st, err := decode[sim.Settings](req.Params)
		if err != nil {
			return nil, err
		}
		return nil, w.ApplySettings(ctx, st)

	case MethodSetWeather:
		p, err := decode[weatherParams](req.Params)
		if err != nil {
			return nil, err
		}
		return nil, w.SetWeather(ctx, p.Preset)

	case MethodTick:
		frame, err := w.Tick(ctx)
		return tickResult{Frame: frame}, err

	case MethodSpawnPoints:
		m, err := w.Map(ctx)
		if err != nil {
			return nil, err
		}
		return m.SpawnPoints(ctx)

	case MethodWaypoint:
		p, err := decode[waypointParams](req.Params)
		if err != nil {
			return nil, err
		}
		m, err := w.Map(ctx)
		if err != nil {
			return nil, err
		}
		return m.WaypointAt(ctx, p.Location)

	case MethodDestroy:
		p, err := decode[idParams](req.Params)
		if err != nil {
			return nil, err
		}
		a, err := s.lookup(p.ID)
		if err != nil {
			return nil, err
		}
		if err := a.Destroy(ctx); err != nil {
			return nil, err
		}
		s.mu.Lock()
		delete(s.actors, p.ID)
		s.mu.Unlock()
		return nil, nil

	case MethodTransform:
		v, err := s.vehicle(req.Params)
		if err != nil {
			return nil, err
		}
		return v.Transform(ctx)

	case MethodVelocity:
		v, err := s.vehicle(req.Params)
		if err != nil {
			return nil, err
		}
		return v.Velocity(ctx)

	case MethodApplyControl:
		p, err := decode[controlParams](req.Params)
		if err != nil {
			return nil, err
		}
		v, err := s.vehicle(mustMarshal(idParams{ID: p.ID}))
		if err != nil {
			return nil, err
		}
		return nil, v.ApplyControl(ctx, p.Control)

	case MethodSetAutopilot:
		p, err := decode[autopilotParams](req.Params)
		if err != nil {
			return nil, err
		}
		v, err := s.vehicle(mustMarshal(idParams{ID: p.ID}))
		if err != nil {
			return nil, err
		}
		return nil, v.SetAutopilot(ctx, p.Enabled, p.TMPort)

	case MethodTrafficLight:
		v, err := s.vehicle(req.Params)
		if err != nil {
			return nil, err
		}
		l, ok, err := v.TrafficLight(ctx)
		if err != nil || !ok {
			return lightResult{}, err
		}
		return lightResult{ID: s.lightID(l), Found: true}, nil

	case MethodLightState:
		p, err := decode[idParams](req.Params)
		if err != nil {
			return nil, err
		}
		l, err := s.light(p.ID)
		if err != nil {
			return nil, err
		}
		return l.State(ctx)

	case MethodLightSetState:
		p, err := decode[lightStateParams](req.Params)
		if err != nil {
			return nil, err
		}
		l, err := s.light(p.ID)
		if err != nil {
			return nil, err
		}
		return nil, l.SetState(ctx, p.State)

	case MethodSensorListen:
		sn, err := s.sensor(req.Params)
		if err != nil {
			return nil, err
		}
		id := sn.ID()
		return nil, sn.Listen(func(d sim.Data) {
			raw, err := json.Marshal(d)
			if err != nil {
				return
			}
			_ = s.write(push{
				Method: MethodSensorDataPush,
				Params: SensorPush{Actor: id, Kind: PayloadKind(d), Data: raw},
			})
		})

	case MethodSensorStop:
		sn, err := s.sensor(req.Params)
		if err != nil {
			return nil, err
		}
		return nil, sn.Stop(ctx)
	}

	return nil, fmt.Errorf("unknown method %q", req.Method)
}

func (s *session) lightID(l sim.TrafficLight) sim.ActorID {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, known := range s.lights {
		if known == l {
			return id
		}
	}
	s.nextLt++
	id := lightIDBase + s.nextLt
	s.lights[id] = l
	return id
}

func mustMarshal(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
