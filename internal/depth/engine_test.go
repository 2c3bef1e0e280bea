package depth

import (
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(t *testing.T, s Settings) (*Engine, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	return NewEngine("ESH4", s, WithClock(clk.Now)), clk
}

func TestEngine_BookInvariantUnderRandomUpdates(t *testing.T) {
	e, _ := newTestEngine(t, DefaultSettings())
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 5000; i++ {
		isBid := rng.Intn(2) == 0
		price := int32(1000 + rng.Intn(60))
		size := uint32(0)
		if rng.Intn(3) > 0 {
			size = uint32(rng.Intn(50))
		}
		e.OnDepth(isBid, price, size)
	}

	snap := e.Snapshot()
	for _, l := range append(append([]Level{}, snap.Bids...), snap.Asks...) {
		require.NotZero(t, l.Size, "level %d stored with zero size", l.Price)
	}
	if len(snap.Bids) == 0 {
		assert.False(t, snap.BestBid.Valid)
	} else {
		require.True(t, snap.BestBid.Valid)
		assert.Equal(t, snap.Bids[0].Price, snap.BestBid.Price)
	}
	if len(snap.Asks) == 0 {
		assert.False(t, snap.BestAsk.Valid)
	} else {
		require.True(t, snap.BestAsk.Valid)
		assert.Equal(t, snap.Asks[0].Price, snap.BestAsk.Price)
	}
}

func TestEngine_BestQuoteRecomputedOnRemoval(t *testing.T) {
	e, _ := newTestEngine(t, DefaultSettings())

	e.OnDepth(true, 100, 5)
	e.OnDepth(true, 98, 7)
	e.OnDepth(false, 101, 3)
	e.OnDepth(false, 104, 9)

	st := e.Stats()
	assert.Equal(t, quoteOf(100), st.BestBid)
	assert.Equal(t, quoteOf(101), st.BestAsk)

	e.OnDepth(true, 100, 0)
	e.OnDepth(false, 101, 0)
	st = e.Stats()
	assert.Equal(t, quoteOf(98), st.BestBid)
	assert.Equal(t, quoteOf(104), st.BestAsk)

	e.OnDepth(true, 98, 0)
	e.OnDepth(false, 104, 0)
	st = e.Stats()
	assert.False(t, st.BestBid.Valid)
	assert.False(t, st.BestAsk.Valid)
	assert.Zero(t, st.BidLevels)
	assert.Zero(t, st.AskLevels)
}

func TestEngine_ReloadAccumulatesAndCollapsesAtZero(t *testing.T) {
	e, _ := newTestEngine(t, DefaultSettings())

	e.OnDepth(true, 100, 10) // creation is not a reload
	snap := e.Snapshot()
	_, ok := snap.BidReload(100)
	assert.False(t, ok)

	e.OnDepth(true, 100, 15)
	e.OnDepth(true, 100, 12)
	snap = e.Snapshot()
	d, ok := snap.BidReload(100)
	require.True(t, ok)
	assert.Equal(t, int64(2), d)

	e.OnDepth(true, 100, 10)
	snap = e.Snapshot()
	_, ok = snap.BidReload(100)
	assert.False(t, ok, "zero net delta must not be stored")
	assert.Empty(t, snap.BidReloads)
}

func TestEngine_ReloadIgnoresLevelsOutOfRange(t *testing.T) {
	e, _ := newTestEngine(t, DefaultSettings())

	e.OnDepth(true, 200, 5)
	e.OnDepth(true, 170, 5) // 30 ticks below best
	e.OnDepth(true, 170, 20)

	e.mu.Lock()
	_, ok := e.reloads.At(true, 170)
	e.mu.Unlock()
	assert.False(t, ok)

	e.OnDepth(true, 185, 5)
	e.OnDepth(true, 185, 8)
	e.mu.Lock()
	d, ok := e.reloads.At(true, 185)
	e.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, int64(3), d)
}

func TestEngine_ExecutionIsNotAPull(t *testing.T) {
	e, _ := newTestEngine(t, DefaultSettings())

	e.OnDepth(false, 100, 10)
	e.OnDepth(false, 100, 6)
	e.OnTrade(100, 4, true)

	snap := e.Snapshot()
	_, ok := snap.AskReload(100)
	assert.False(t, ok, "execution must cancel the depth-driven pull")
	assert.Equal(t, uint32(6), snap.AskSize(100))
}

func TestEngine_CancellationKeepsPullSignal(t *testing.T) {
	e, _ := newTestEngine(t, DefaultSettings())

	e.OnDepth(false, 100, 10)
	e.OnDepth(false, 100, 6)

	snap := e.Snapshot()
	d, ok := snap.AskReload(100)
	require.True(t, ok)
	assert.Equal(t, int64(-4), d)
}

func TestEngine_CorrectionTargetsPassiveSideOnly(t *testing.T) {
	e, _ := newTestEngine(t, DefaultSettings())

	e.OnDepth(true, 99, 10)
	e.OnDepth(true, 99, 7)
	e.OnTrade(99, 3, true) // buyer aggressed: asks are passive, bids untouched
	e.OnTrade(50, 3, false)

	snap := e.Snapshot()
	d, ok := snap.BidReload(99)
	require.True(t, ok)
	assert.Equal(t, int64(-3), d)
	assert.Empty(t, snap.AskReloads)

	e.OnTrade(99, 3, false)
	snap = e.Snapshot()
	_, ok = snap.BidReload(99)
	assert.False(t, ok)
}

func TestEngine_VelocityWindow(t *testing.T) {
	e, clk := newTestEngine(t, DefaultSettings())

	e.OnTrade(10, 5, true)
	clk.Advance(10 * time.Second)
	e.OnTrade(11, 5, false)
	clk.Advance(10 * time.Second)
	e.OnTrade(12, 5, true)

	snap := e.Snapshot()
	assert.Equal(t, int64(5), snap.VelocityStamps[10])
	assert.Equal(t, int64(10), snap.VelocityStamps[11])
	assert.Equal(t, int64(10), snap.VelocityStamps[12])
	assert.Equal(t, int64(10), snap.Velocity)

	clk.Advance(time.Minute)
	snap = e.Snapshot()
	assert.Zero(t, snap.Velocity)
	assert.Equal(t, int64(10), snap.VelocityStamps[12], "stamps do not decay")
}

func TestEngine_PeriodicResetOnSnapshot(t *testing.T) {
	e, clk := newTestEngine(t, DefaultSettings())

	e.OnTrade(100, 3, true)
	e.OnTrade(101, 2, false)
	clk.Advance(4 * time.Minute)

	snap := e.Snapshot()
	assert.Len(t, snap.RollingFootprint, 2)
	assert.Equal(t, 2, snap.RollingTrades)

	clk.Advance(time.Minute)
	snap = e.Snapshot()
	assert.Empty(t, snap.RollingFootprint)
	assert.Zero(t, snap.RollingTrades)
	assert.Equal(t, clk.Now(), snap.LastReset)
	require.Len(t, snap.SessionFootprint, 2)
	assert.Equal(t, FootprintCell{BuyVolume: 3, BuyCount: 1}, snap.SessionFootprint[100])
	assert.Equal(t, FootprintCell{SellVolume: 2, SellCount: 1}, snap.SessionFootprint[101])
}

func TestEngine_PeriodicResetOnTrade(t *testing.T) {
	e, clk := newTestEngine(t, DefaultSettings())

	e.OnTrade(100, 3, true)
	clk.Advance(5 * time.Minute)
	e.OnTrade(100, 4, true)

	e.mu.Lock()
	_, ok := e.footprint.Rolling(100)
	sess, _ := e.footprint.Session(100)
	n := len(e.history)
	e.mu.Unlock()

	assert.False(t, ok)
	assert.Zero(t, n)
	assert.Equal(t, FootprintCell{BuyVolume: 7, BuyCount: 2}, sess)
}

func TestEngine_SnapshotIsIndependent(t *testing.T) {
	e, _ := newTestEngine(t, DefaultSettings())

	e.OnDepth(true, 100, 20)
	e.OnDepth(true, 100, 25)
	e.OnDepth(false, 101, 30)
	e.OnTrade(101, 5, true)

	snap := e.Snapshot()
	before, err := json.Marshal(snap)
	require.NoError(t, err)

	e.OnDepth(true, 100, 0)
	e.OnDepth(true, 99, 40)
	e.OnDepth(false, 101, 1)
	e.OnTrade(101, 9, true)
	e.OnTrade(99, 2, false)
	_ = e.Snapshot()

	after, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
	assert.Equal(t, uint32(25), snap.BidSize(100))
	assert.Equal(t, FootprintCell{BuyVolume: 5, BuyCount: 1}, snap.SessionFootprint[101])
}

func TestEngine_IcebergThreshold(t *testing.T) {
	s := DefaultSettings()
	s.MinIcebergChunkSize = 50
	e, _ := newTestEngine(t, s)

	e.OnDepth(false, 200, 50)
	e.OnDepth(false, 201, 49)

	snap := e.Snapshot()
	sz, ok := snap.AskIceberg(200)
	require.True(t, ok)
	assert.Equal(t, uint32(50), sz)
	_, ok = snap.AskIceberg(201)
	assert.False(t, ok)

	e.OnDepth(false, 200, 49)
	snap = e.Snapshot()
	_, ok = snap.AskIceberg(200)
	assert.False(t, ok)
	assert.Equal(t, uint32(49), snap.AskSize(200), "level stays in the book")
}

func TestEngine_IcebergDisabledStillDropsRemovedLevels(t *testing.T) {
	e, _ := newTestEngine(t, DefaultSettings())

	e.OnDepth(true, 300, 80)
	s := e.Settings()
	s.IcebergDetectionEnabled = false
	e.UpdateSettings(s)

	e.OnDepth(true, 299, 500)
	snap := e.Snapshot()
	_, ok := snap.BidIceberg(299)
	assert.False(t, ok)
	_, ok = snap.BidIceberg(300)
	assert.True(t, ok)

	e.OnDepth(true, 300, 0)
	snap = e.Snapshot()
	assert.Empty(t, snap.BidIcebergs)
}

func TestEngine_SnapshotPrunesToCleanupBand(t *testing.T) {
	e, _ := newTestEngine(t, DefaultSettings())

	for _, p := range []int32{100, 90, 84, 80} {
		e.OnDepth(true, p, 60)
		e.OnDepth(true, p, 61)
	}
	for _, p := range []int32{101, 116, 117} {
		e.OnDepth(false, p, 60)
		e.OnDepth(false, p, 59)
	}

	snap := e.Snapshot()
	assert.Equal(t, []Reload{{Price: 100, Delta: 1}, {Price: 90, Delta: 1}}, snap.BidReloads)
	assert.Equal(t, []Reload{{Price: 101, Delta: -1}, {Price: 116, Delta: -1}}, snap.AskReloads)
	assert.Equal(t, []Level{{Price: 100, Size: 61}, {Price: 90, Size: 61}}, snap.BidIcebergs)
	assert.Equal(t, []Level{{Price: 101, Size: 59}, {Price: 116, Size: 59}}, snap.AskIcebergs)
	assert.Len(t, snap.Bids, 4, "book itself is never pruned")
}

func TestEngine_SnapshotClearsSideWithoutBest(t *testing.T) {
	e, _ := newTestEngine(t, DefaultSettings())

	e.OnDepth(false, 101, 40)
	e.OnDepth(false, 101, 30)
	e.OnDepth(false, 101, 0)
	e.mu.Lock()
	// removal itself recorded a pull of -30 on top of -10
	d, _ := e.reloads.At(false, 101)
	e.mu.Unlock()
	assert.Equal(t, int64(-40), d)

	snap := e.Snapshot()
	assert.Empty(t, snap.AskReloads)
	assert.Empty(t, snap.AskIcebergs)
	assert.False(t, snap.BestAsk.Valid)
}

func TestEngine_SnapshotMetadata(t *testing.T) {
	e, clk := newTestEngine(t, DefaultSettings())
	e.OnTrade(42, 7, false)

	snap := e.Snapshot()
	assert.Equal(t, "ESH4", snap.Alias)
	assert.Equal(t, e.SessionID().String(), snap.SessionID)
	assert.Equal(t, clk.Now(), snap.TakenAt)
	assert.Equal(t, int32(42), snap.LastTradePrice)
	assert.Equal(t, uint32(7), snap.LastTradeSize)
	assert.Equal(t, 1, snap.RollingTrades)
}

func TestEngine_ConcurrentWriterAndReader(t *testing.T) {
	e := NewEngine("NQH4", DefaultSettings())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			p := int32(500 + i%30)
			e.OnDepth(i%2 == 0, p, uint32(i%17))
			if i%5 == 0 {
				e.OnTrade(p, uint32(1+i%4), i%3 == 0)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			snap := e.Snapshot()
			for _, l := range snap.Bids {
				if l.Size == 0 {
					t.Errorf("zero-size bid at %d", l.Price)
				}
			}
		}
	}()
	wg.Wait()
}

func TestQuote_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Bid Quote `json:"bid"`
		Ask Quote `json:"ask"`
	}{Bid: quoteOf(-3)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"bid":-3,"ask":null}`, string(b))

	var q Quote
	require.NoError(t, json.Unmarshal([]byte("17"), &q))
	assert.Equal(t, quoteOf(17), q)
	require.NoError(t, json.Unmarshal([]byte("null"), &q))
	assert.False(t, q.Valid)
}
