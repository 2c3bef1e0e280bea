package depth

import (
	"sort"
	"time"
)

// Snapshot is a point-in-time copy of an Engine. Nothing in it aliases engine
// memory, so it can be read from any goroutine without locking.
//
// Bids, bid reloads and bid icebergs are ordered best (highest) first; the ask
// side is ordered best (lowest) first.
type Snapshot struct {
	Alias     string    `json:"alias"`
	SessionID string    `json:"sessionId"`
	TakenAt   time.Time `json:"takenAt"`
	LastReset time.Time `json:"lastReset"`

	Bids        []Level  `json:"bids"`
	Asks        []Level  `json:"asks"`
	BidReloads  []Reload `json:"bidReloads"`
	AskReloads  []Reload `json:"askReloads"`
	BidIcebergs []Level  `json:"bidIcebergs"`
	AskIcebergs []Level  `json:"askIcebergs"`

	SessionFootprint map[int32]FootprintCell `json:"sessionFootprint"`
	RollingFootprint map[int32]FootprintCell `json:"rollingFootprint"`
	VelocityStamps   map[int32]int64         `json:"velocityStamps"`

	LastTradePrice int32  `json:"lastTradePrice"`
	LastTradeSize  uint32 `json:"lastTradeSize"`
	BestBid        Quote  `json:"bestBid"`
	BestAsk        Quote  `json:"bestAsk"`
	Velocity       int64  `json:"velocity"`
	RollingTrades  int    `json:"rollingTrades"`
}

// frozen holds copy-on-write clones taken under the engine lock.
type frozen struct {
	bids, asks               *priceMap[uint32]
	bidReloads, askReloads   *priceMap[int64]
	bidIcebergs, askIcebergs *priceMap[uint32]
}

// Snapshot prunes reload and iceberg entries to the cleanup band, runs the
// periodic reset check, ages the velocity window and returns a copy of the
// whole state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	now := e.now()
	e.pruneOutdated()
	e.maybeReset(now)
	e.velocity.Prune(now)

	snap := Snapshot{
		Alias:            e.alias,
		SessionID:        e.sessionID.String(),
		TakenAt:          now,
		LastReset:        e.lastReset,
		SessionFootprint: copyCells(e.footprint.session),
		RollingFootprint: copyCells(e.footprint.rolling),
		VelocityStamps:   e.velocity.copyStamps(),
		LastTradePrice:   e.lastTradePrice,
		LastTradeSize:    e.lastTradeSize,
		BestBid:          e.book.BestBid(),
		BestAsk:          e.book.BestAsk(),
		Velocity:         e.velocity.Volume(),
		RollingTrades:    len(e.history),
	}
	f := frozen{
		bids:        e.book.bids.clone(),
		asks:        e.book.asks.clone(),
		bidReloads:  e.reloads.bids.clone(),
		askReloads:  e.reloads.asks.clone(),
		bidIcebergs: e.icebergs.bids.clone(),
		askIcebergs: e.icebergs.asks.clone(),
	}
	e.mu.Unlock()

	snap.Bids = levels(f.bids, true)
	snap.Asks = levels(f.asks, false)
	snap.BidReloads = reloads(f.bidReloads, true)
	snap.AskReloads = reloads(f.askReloads, false)
	snap.BidIcebergs = levels(f.bidIcebergs, true)
	snap.AskIcebergs = levels(f.askIcebergs, false)
	return snap
}

func levels(m *priceMap[uint32], descending bool) []Level {
	out := make([]Level, 0, m.len())
	add := func(p int32, sz uint32) { out = append(out, Level{Price: p, Size: sz}) }
	if descending {
		m.descend(add)
	} else {
		m.ascend(add)
	}
	return out
}

func reloads(m *priceMap[int64], descending bool) []Reload {
	out := make([]Reload, 0, m.len())
	add := func(p int32, d int64) { out = append(out, Reload{Price: p, Delta: d}) }
	if descending {
		m.descend(add)
	} else {
		m.ascend(add)
	}
	return out
}

// Lookups by price for row-per-tick renderers.

func (s *Snapshot) BidSize(price int32) uint32 { sz, _ := findLevel(s.Bids, price, true); return sz }
func (s *Snapshot) AskSize(price int32) uint32 { sz, _ := findLevel(s.Asks, price, false); return sz }

func (s *Snapshot) BidIceberg(price int32) (uint32, bool) { return findLevel(s.BidIcebergs, price, true) }
func (s *Snapshot) AskIceberg(price int32) (uint32, bool) { return findLevel(s.AskIcebergs, price, false) }

func (s *Snapshot) BidReload(price int32) (int64, bool) { return findReload(s.BidReloads, price, true) }
func (s *Snapshot) AskReload(price int32) (int64, bool) { return findReload(s.AskReloads, price, false) }

func findLevel(ls []Level, price int32, descending bool) (uint32, bool) {
	i := search(len(ls), func(i int) int32 { return ls[i].Price }, price, descending)
	if i < len(ls) && ls[i].Price == price {
		return ls[i].Size, true
	}
	return 0, false
}

func findReload(rs []Reload, price int32, descending bool) (int64, bool) {
	i := search(len(rs), func(i int) int32 { return rs[i].Price }, price, descending)
	if i < len(rs) && rs[i].Price == price {
		return rs[i].Delta, true
	}
	return 0, false
}

func search(n int, at func(int) int32, price int32, descending bool) int {
	if descending {
		return sort.Search(n, func(i int) bool { return at(i) <= price })
	}
	return sort.Search(n, func(i int) bool { return at(i) >= price })
}
