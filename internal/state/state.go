package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"jigsaw-dom/internal/depth"
	"jigsaw-dom/internal/feed"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrNotActive         = errors.New("instrument not active")
)

// State is the instrument registry. Each active instrument owns one engine;
// deactivating drops the engine and all of its accumulated state.
type State struct {
	mu          sync.RWMutex
	instruments map[string]feed.Instrument
	engines     map[string]*depth.Engine
	settings    depth.Settings
	engineOpts  []depth.Option

	connected atomic.Bool
	dropped   atomic.Uint64
}

func NewState(settings depth.Settings, opts ...depth.Option) *State {
	return &State{
		instruments: map[string]feed.Instrument{},
		engines:     map[string]*depth.Engine{},
		settings:    settings,
		engineOpts:  opts,
	}
}

func canon(alias string) string { return strings.TrimSpace(alias) }

func (s *State) AddInstrument(in feed.Instrument) {
	in.Alias = canon(in.Alias)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments[in.Alias] = in
}

// RemoveInstrument forgets the instrument and drops its engine if active.
func (s *State) RemoveInstrument(alias string) {
	alias = canon(alias)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.engines, alias)
	delete(s.instruments, alias)
}

func (s *State) Instrument(alias string) (feed.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.instruments[canon(alias)]
	return in, ok
}

// Instruments lists all known instruments sorted by alias.
func (s *State) Instruments() []feed.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]feed.Instrument, 0, len(s.instruments))
	for _, in := range s.instruments {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// Activate creates a fresh engine for alias. It reports false when the
// instrument was already active.
func (s *State) Activate(alias string) (*depth.Engine, bool, error) {
	alias = canon(alias)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instruments[alias]; !ok {
		return nil, false, fmt.Errorf("%s: %w", alias, ErrUnknownInstrument)
	}
	if e, ok := s.engines[alias]; ok {
		return e, false, nil
	}
	e := depth.NewEngine(alias, s.settings, s.engineOpts...)
	s.engines[alias] = e
	return e, true, nil
}

func (s *State) Deactivate(alias string) bool {
	alias = canon(alias)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.engines[alias]; !ok {
		return false
	}
	delete(s.engines, alias)
	return true
}

func (s *State) IsActive(alias string) bool {
	_, ok := s.Engine(alias)
	return ok
}

func (s *State) Engine(alias string) (*depth.Engine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.engines[canon(alias)]
	return e, ok
}

// Active returns the active engines sorted by alias.
func (s *State) Active() []*depth.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*depth.Engine, 0, len(s.engines))
	for _, e := range s.engines {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias() < out[j].Alias() })
	return out
}

// Dispatch routes one feed event to its engine. Events for inactive aliases
// are counted and dropped.
func (s *State) Dispatch(ev feed.Event) bool {
	e, ok := s.Engine(ev.Alias)
	if !ok {
		s.dropped.Add(1)
		return false
	}
	switch ev.Kind {
	case feed.KindDepth:
		e.OnDepth(ev.IsBid, ev.Price, ev.Size)
	case feed.KindTrade:
		e.OnTrade(ev.Price, ev.Size, ev.BuyerIsAggressor)
	default:
		s.dropped.Add(1)
		return false
	}
	return true
}

func (s *State) Dropped() uint64 { return s.dropped.Load() }

func (s *State) Settings() depth.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// SetSettings stores new engine settings and pushes them to every active
// engine. Engines activated later start with them.
func (s *State) SetSettings(v depth.Settings) {
	s.mu.Lock()
	s.settings = v
	engines := make([]*depth.Engine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.mu.Unlock()
	for _, e := range engines {
		e.UpdateSettings(v)
	}
}

func (s *State) SetConnected(v bool) { s.connected.Store(v) }
func (s *State) Connected() bool     { return s.connected.Load() }
