package state

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"jigsaw-dom/internal/depth"
	"jigsaw-dom/internal/feed"
)

func newTestState() *State {
	s := NewState(depth.DefaultSettings())
	s.AddInstrument(feed.Instrument{Alias: " ESH4 ", TickSize: decimal.RequireFromString("0.25")})
	s.AddInstrument(feed.Instrument{Alias: "NQH4", TickSize: decimal.RequireFromString("0.25")})
	return s
}

func TestAliasNormalization(t *testing.T) {
	s := newTestState()
	if _, ok := s.Instrument("ESH4"); !ok {
		t.Fatal("alias should be trimmed on add")
	}
	got := s.Instruments()
	if len(got) != 2 || got[0].Alias != "ESH4" || got[1].Alias != "NQH4" {
		t.Fatalf("instruments got %+v", got)
	}
}

func TestActivateDeactivate(t *testing.T) {
	s := newTestState()

	if _, _, err := s.Activate("CLJ4"); !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("want ErrUnknownInstrument, got %v", err)
	}

	e1, created, err := s.Activate("ESH4")
	if err != nil || !created {
		t.Fatalf("activate: created=%v err=%v", created, err)
	}
	e2, created, _ := s.Activate("ESH4")
	if created || e1 != e2 {
		t.Fatal("second activation must return the existing engine")
	}
	if !s.IsActive("ESH4") || s.IsActive("NQH4") {
		t.Fatal("active flags wrong")
	}

	if !s.Deactivate("ESH4") {
		t.Fatal("deactivate should report true")
	}
	if s.Deactivate("ESH4") {
		t.Fatal("second deactivate should report false")
	}

	e3, created, _ := s.Activate("ESH4")
	if !created || e3.SessionID() == e1.SessionID() {
		t.Fatal("reactivation must start a new engine session")
	}
}

func TestDispatchRoutesAndDrops(t *testing.T) {
	s := newTestState()
	e, _, _ := s.Activate("ESH4")

	if !s.Dispatch(feed.Event{Alias: "ESH4", Kind: feed.KindDepth, IsBid: true, Price: 100, Size: 5}) {
		t.Fatal("depth should dispatch")
	}
	if !s.Dispatch(feed.Event{Alias: "ESH4", Kind: feed.KindTrade, Price: 100, Size: 2}) {
		t.Fatal("trade should dispatch")
	}
	if s.Dispatch(feed.Event{Alias: "NQH4", Kind: feed.KindTrade, Price: 1, Size: 1}) {
		t.Fatal("inactive alias must be dropped")
	}
	if s.Dispatch(feed.Event{Alias: "ESH4", Price: 1, Size: 1}) {
		t.Fatal("unknown kind must be dropped")
	}
	if s.Dropped() != 2 {
		t.Fatalf("dropped got %d want 2", s.Dropped())
	}

	snap := e.Snapshot()
	if snap.BidSize(100) != 5 || snap.LastTradeSize != 2 {
		t.Fatalf("engine did not see events: %+v", snap)
	}
}

func TestSetSettingsReachesEngines(t *testing.T) {
	s := newTestState()
	e, _, _ := s.Activate("ESH4")

	v := s.Settings()
	v.MinIcebergChunkSize = 500
	v.FootprintResetInterval = 30 * time.Minute
	s.SetSettings(v)

	if got := e.Settings(); got.MinIcebergChunkSize != 500 || got.FootprintResetInterval != 30*time.Minute {
		t.Fatalf("engine settings got %+v", got)
	}
	n, _, _ := s.Activate("NQH4")
	if n.Settings().MinIcebergChunkSize != 500 {
		t.Fatal("new engines must start with current settings")
	}
}

func TestRemoveInstrumentDropsEngine(t *testing.T) {
	s := newTestState()
	s.Activate("NQH4")
	s.RemoveInstrument("NQH4")
	if s.IsActive("NQH4") {
		t.Fatal("engine should be gone")
	}
	if _, ok := s.Instrument("NQH4"); ok {
		t.Fatal("instrument should be gone")
	}
}

func TestConnectedFlag(t *testing.T) {
	s := newTestState()
	if s.Connected() {
		t.Fatal("starts disconnected")
	}
	s.SetConnected(true)
	if !s.Connected() {
		t.Fatal("set failed")
	}
}
