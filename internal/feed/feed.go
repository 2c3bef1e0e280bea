package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

type Kind uint8

const (
	KindDepth Kind = iota + 1
	KindTrade
)

func (k Kind) String() string {
	switch k {
	case KindDepth:
		return "depth"
	case KindTrade:
		return "trade"
	}
	return "unknown"
}

// Event is a feed update already converted to tick prices. For depth events
// Size is the new absolute resting size; for trades it is the traded size.
type Event struct {
	Alias            string
	Kind             Kind
	IsBid            bool
	Price            int32
	Size             uint32
	BuyerIsAggressor bool
}

// Feed delivers events for all subscribed instruments in arrival order from a
// single goroutine.
type Feed interface {
	Run(ctx context.Context, onStatus func(connected bool))
	Subscribe(alias string) error
	Unsubscribe(alias string)
	Events() <-chan Event
	Errors() <-chan error
	Connected() bool
	Close()
}

// Instrument carries what the adapter needs to turn market prices into ticks.
type Instrument struct {
	Alias    string
	TickSize decimal.Decimal
}

var ErrPriceOutOfRange = errors.New("price out of tick range")

// ToTicks rounds price/tickSize to the nearest integer, halves away from zero.
func (in Instrument) ToTicks(price decimal.Decimal) (int32, error) {
	if !in.TickSize.IsPositive() {
		return 0, fmt.Errorf("%s: tick size %s not positive", in.Alias, in.TickSize)
	}
	q := price.Div(in.TickSize).Round(0)
	if q.LessThan(decimal.NewFromInt(math.MinInt32)) || q.GreaterThan(decimal.NewFromInt(math.MaxInt32)) {
		return 0, fmt.Errorf("%s: %s: %w", in.Alias, price, ErrPriceOutOfRange)
	}
	return int32(q.IntPart()), nil
}

// wireMessage is the JSON shape shared by the websocket and kafka sources.
//
//	{"type":"depth","alias":"ESH4","side":"bid","price":"5012.25","size":12}
//	{"type":"trade","alias":"ESH4","price":"5012.25","size":3,"aggressor":"buy"}
type wireMessage struct {
	Type      string          `json:"type"`
	Alias     string          `json:"alias"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Aggressor string          `json:"aggressor"`
}

// Decoder turns raw payloads into Events for known instruments.
type Decoder struct {
	instruments map[string]Instrument
}

func NewDecoder(instruments []Instrument) *Decoder {
	m := make(map[string]Instrument, len(instruments))
	for _, in := range instruments {
		m[in.Alias] = in
	}
	return &Decoder{instruments: m}
}

// Decode accepts a single message object or an array of them. A bad element
// fails the whole payload.
func (d *Decoder) Decode(data []byte) ([]Event, error) {
	data = bytes.TrimSpace(data)
	var msgs []wireMessage
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
	} else {
		var m wireMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = []wireMessage{m}
	}

	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		ev, err := d.convert(m)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (d *Decoder) convert(m wireMessage) (Event, error) {
	in, ok := d.instruments[m.Alias]
	if !ok {
		return Event{}, fmt.Errorf("unknown instrument %q", m.Alias)
	}
	price, err := in.ToTicks(m.Price)
	if err != nil {
		return Event{}, err
	}
	size, err := toSize(m.Size)
	if err != nil {
		return Event{}, fmt.Errorf("%s: %w", m.Alias, err)
	}

	ev := Event{Alias: m.Alias, Price: price, Size: size}
	switch strings.ToLower(m.Type) {
	case "depth":
		ev.Kind = KindDepth
		switch strings.ToLower(m.Side) {
		case "bid", "buy":
			ev.IsBid = true
		case "ask", "sell":
		default:
			return Event{}, fmt.Errorf("%s: depth side %q", m.Alias, m.Side)
		}
	case "trade":
		ev.Kind = KindTrade
		if size == 0 {
			return Event{}, fmt.Errorf("%s: zero trade size", m.Alias)
		}
		switch strings.ToLower(m.Aggressor) {
		case "buy", "bid":
			ev.BuyerIsAggressor = true
		case "sell", "ask":
		default:
			return Event{}, fmt.Errorf("%s: trade aggressor %q", m.Alias, m.Aggressor)
		}
	default:
		return Event{}, fmt.Errorf("%s: message type %q", m.Alias, m.Type)
	}
	return ev, nil
}

func toSize(d decimal.Decimal) (uint32, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("negative size %s", d)
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("fractional size %s", d)
	}
	if d.GreaterThan(decimal.NewFromInt(math.MaxUint32)) {
		return 0, fmt.Errorf("size %s overflows", d)
	}
	return uint32(d.IntPart()), nil
}

// badMessages logs rejected payloads at a bounded rate and counts all of them.
type badMessages struct {
	log     *slog.Logger
	limiter *rate.Limiter
	total   atomic.Uint64
}

func newBadMessages(log *slog.Logger, perSec int) *badMessages {
	if perSec < 1 {
		perSec = 1
	}
	return &badMessages{log: log, limiter: rate.NewLimiter(rate.Limit(perSec), perSec)}
}

func (b *badMessages) report(err error) {
	n := b.total.Add(1)
	if b.limiter.Allow() {
		b.log.Warn("dropping bad feed message", slog.String("err", err.Error()), slog.Uint64("dropped_total", n))
	}
}

func (b *badMessages) Total() uint64 { return b.total.Load() }
