package depth

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Settings are the engine knobs owned by the settings collaborator.
type Settings struct {
	IcebergDetectionEnabled bool
	MinIcebergChunkSize     uint32
	// FootprintResetInterval <= 0 disables the rolling reset.
	FootprintResetInterval time.Duration
	ReloadRangeTicks       int32
	CleanupDistanceTicks   int32
	VelocityWindow         time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		IcebergDetectionEnabled: true,
		MinIcebergChunkSize:     10,
		FootprintResetInterval:  5 * time.Minute,
		ReloadRangeTicks:        20,
		CleanupDistanceTicks:    15,
		VelocityWindow:          DefaultVelocityWindow,
	}
}

type Option func(*Engine)

// WithClock replaces time.Now, mainly for tests and replays.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the per-instrument market microstructure model. OnDepth and
// OnTrade are meant for one feed goroutine; Snapshot may run concurrently from
// a render ticker. Every method holds the engine lock only for its own
// duration.
type Engine struct {
	mu sync.Mutex

	alias     string
	sessionID uuid.UUID
	now       func() time.Time
	settings  Settings

	book      *Book
	reloads   *ReloadDetector
	icebergs  *IcebergDetector
	footprint *FootprintAggregator
	velocity  *VelocityTracker
	history   []Trade

	lastTradePrice int32
	lastTradeSize  uint32
	lastReset      time.Time
}

func NewEngine(alias string, s Settings, opts ...Option) *Engine {
	e := &Engine{
		alias:     alias,
		sessionID: uuid.New(),
		now:       time.Now,
		settings:  s,
		book:      NewBook(),
		reloads:   NewReloadDetector(s.ReloadRangeTicks),
		icebergs:  NewIcebergDetector(s.IcebergDetectionEnabled, s.MinIcebergChunkSize),
		footprint: NewFootprintAggregator(),
		velocity:  NewVelocityTracker(s.VelocityWindow),
	}
	for _, o := range opts {
		o(e)
	}
	e.lastReset = e.now()
	return e
}

func (e *Engine) Alias() string        { return e.alias }
func (e *Engine) SessionID() uuid.UUID { return e.sessionID }

func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// UpdateSettings applies new settings from the next event or snapshot on.
// Existing reload and iceberg entries are kept until pruned.
func (e *Engine) UpdateSettings(s Settings) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = s
	e.reloads.SetRange(s.ReloadRangeTicks)
	e.icebergs.Configure(s.IcebergDetectionEnabled, s.MinIcebergChunkSize)
	e.velocity.SetWindow(s.VelocityWindow)
}

// OnDepth applies an absolute size for one price level. newSize 0 removes it.
func (e *Engine) OnDepth(isBid bool, price int32, newSize uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	oldSize := e.book.Size(isBid, price)
	e.reloads.OnDepth(isBid, price, oldSize, newSize, e.book.Best(isBid))
	e.icebergs.OnDepth(isBid, price, newSize)
	e.book.Apply(isBid, price, newSize)
}

// OnTrade records one execution.
func (e *Engine) OnTrade(price int32, size uint32, buyerIsAggressor bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.lastTradePrice = price
	e.lastTradeSize = size

	t := Trade{Time: now, Price: price, Size: size, BuyerIsAggressor: buyerIsAggressor}
	e.footprint.Record(price, size, buyerIsAggressor)
	e.history = append(e.history, t)
	e.velocity.Record(t)
	// The depth feed already shrank the hit level; that shrink was an
	// execution, not a pull.
	e.reloads.Correct(price, size, buyerIsAggressor)

	e.maybeReset(now)
}

func (e *Engine) maybeReset(now time.Time) {
	interval := e.settings.FootprintResetInterval
	if interval <= 0 || now.Sub(e.lastReset) < interval {
		return
	}
	e.footprint.ResetRolling()
	clear(e.history)
	e.history = e.history[:0]
	e.lastReset = now
}

// pruneOutdated bounds reload and iceberg entries to the cleanup band on the
// passive side of each best quote.
func (e *Engine) pruneOutdated() {
	dist := int64(e.settings.CleanupDistanceTicks)

	if bid := e.book.BestBid(); !bid.Valid || e.book.Len(true) == 0 {
		e.reloads.Clear(true)
		e.icebergs.Clear(true)
	} else {
		hi := int64(bid.Price)
		e.reloads.Prune(true, hi-dist, hi)
		e.icebergs.Prune(true, hi-dist, hi)
	}

	if ask := e.book.BestAsk(); !ask.Valid || e.book.Len(false) == 0 {
		e.reloads.Clear(false)
		e.icebergs.Clear(false)
	} else {
		lo := int64(ask.Price)
		e.reloads.Prune(false, lo, lo+dist)
		e.icebergs.Prune(false, lo, lo+dist)
	}
}

// Stats is a cheap scalar view for health endpoints.
type Stats struct {
	BidLevels     int   `json:"bidLevels"`
	AskLevels     int   `json:"askLevels"`
	BestBid       Quote `json:"bestBid"`
	BestAsk       Quote `json:"bestAsk"`
	Velocity      int64 `json:"velocity"`
	RollingTrades int   `json:"rollingTrades"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		BidLevels:     e.book.Len(true),
		AskLevels:     e.book.Len(false),
		BestBid:       e.book.BestBid(),
		BestAsk:       e.book.BestAsk(),
		Velocity:      e.velocity.Volume(),
		RollingTrades: len(e.history),
	}
}
