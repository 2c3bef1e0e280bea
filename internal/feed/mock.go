package feed

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// ---------- Test/mock feed (handy for integration tests & demos) ----------

type MockFeed struct {
	events    chan Event
	errors    chan error
	mu        sync.Mutex
	connected bool
	aliases   map[string]bool
	closeOnce sync.Once
}

func NewMockFeed() *MockFeed {
	return &MockFeed{
		events:    make(chan Event, 64),
		errors:    make(chan error, 10),
		connected: true,
		aliases:   map[string]bool{},
	}
}

func (m *MockFeed) Run(ctx context.Context, onStatus func(connected bool)) {
	onStatus(m.Connected())
	<-ctx.Done()
}

func (m *MockFeed) Subscribe(alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aliases[alias] = true
	return nil
}

func (m *MockFeed) Unsubscribe(alias string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.aliases, alias)
}

func (m *MockFeed) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.aliases))
	for a := range m.aliases {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (m *MockFeed) Events() <-chan Event { return m.events }
func (m *MockFeed) Errors() <-chan error { return m.errors }

func (m *MockFeed) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockFeed) Close() {
	m.closeOnce.Do(func() {
		close(m.events)
		close(m.errors)
	})
}

// Helpers for tests
func (m *MockFeed) Send(ev Event)     { m.events <- ev }
func (m *MockFeed) SendError(e error) { m.errors <- e }

func (m *MockFeed) SetConnected(c bool) {
	m.mu.Lock()
	m.connected = c
	m.mu.Unlock()
}

// SyntheticFeed generates a random-walk book and trade tape for every
// subscribed alias. It backs the "mock" feed source for demos.
type SyntheticFeed struct {
	*MockFeed
	interval time.Duration
	rng      *rand.Rand
	mids     map[string]int32
	start    map[string]int32
}

// NewSyntheticFeed starts each alias' mid at the given tick price.
func NewSyntheticFeed(interval time.Duration, startTicks map[string]int32, seed int64) *SyntheticFeed {
	return &SyntheticFeed{
		MockFeed: NewMockFeed(),
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
		mids:     map[string]int32{},
		start:    startTicks,
	}
}

func (s *SyntheticFeed) Run(ctx context.Context, onStatus func(connected bool)) {
	onStatus(true)
	defer onStatus(false)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, alias := range s.Subscribed() {
				for _, ev := range s.step(alias) {
					select {
					case s.events <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}
}

const syntheticDepth = 10

func (s *SyntheticFeed) step(alias string) []Event {
	mid, ok := s.mids[alias]
	if !ok {
		mid = s.start[alias]
		if mid == 0 {
			mid = 10_000
		}
	}
	switch s.rng.Intn(10) {
	case 0:
		mid++
	case 1:
		mid--
	}
	s.mids[alias] = mid

	out := make([]Event, 0, 2*syntheticDepth+2)
	for i := int32(0); i < syntheticDepth; i++ {
		out = append(out,
			Event{Alias: alias, Kind: KindDepth, IsBid: true, Price: mid - 1 - i, Size: uint32(s.rng.Intn(40))},
			Event{Alias: alias, Kind: KindDepth, IsBid: false, Price: mid + 1 + i, Size: uint32(s.rng.Intn(40))},
		)
	}
	// Clear the levels that crossed into the spread after a mid move.
	out = append(out,
		Event{Alias: alias, Kind: KindDepth, IsBid: true, Price: mid, Size: 0},
		Event{Alias: alias, Kind: KindDepth, IsBid: false, Price: mid, Size: 0},
	)
	if s.rng.Intn(3) == 0 {
		buy := s.rng.Intn(2) == 0
		price := mid - 1
		if buy {
			price = mid + 1
		}
		out = append(out, Event{Alias: alias, Kind: KindTrade, Price: price, Size: uint32(1 + s.rng.Intn(5)), BuyerIsAggressor: buy})
	}
	return out
}
