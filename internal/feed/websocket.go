package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketFeed streams JSON market events from a websocket endpoint. It keeps
// the set of subscribed aliases and replays it after every reconnect.
type WebsocketFeed struct {
	url     string
	decoder *Decoder
	log     *slog.Logger
	bad     *badMessages

	mu        sync.RWMutex
	aliases   map[string]bool
	connected bool
	wsConn    *websocket.Conn
	writeMu   sync.Mutex

	evCh  chan Event
	errCh chan error

	ctx    context.Context
	cancel context.CancelFunc
}

type controlMessage struct {
	Op      string   `json:"op"`
	Aliases []string `json:"aliases"`
}

func NewWebsocketFeed(url string, decoder *Decoder, maxBadLogsPerSec int, logger *slog.Logger) *WebsocketFeed {
	log := logger.With(slog.String("component", "feed.websocket"))
	return &WebsocketFeed{
		url:     url,
		decoder: decoder,
		log:     log,
		bad:     newBadMessages(log, maxBadLogsPerSec),
		aliases: map[string]bool{},
		evCh:    make(chan Event, 4096),
		errCh:   make(chan error, 16),
	}
}

func (f *WebsocketFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func (f *WebsocketFeed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *WebsocketFeed) Events() <-chan Event { return f.evCh }
func (f *WebsocketFeed) Errors() <-chan error { return f.errCh }

func (f *WebsocketFeed) Subscribe(alias string) error {
	if alias == "" {
		return fmt.Errorf("empty alias")
	}
	f.mu.Lock()
	f.aliases[alias] = true
	f.mu.Unlock()
	// If not connected the next successful connect subscribes.
	return f.send(controlMessage{Op: "subscribe", Aliases: []string{alias}})
}

func (f *WebsocketFeed) Unsubscribe(alias string) {
	f.mu.Lock()
	delete(f.aliases, alias)
	f.mu.Unlock()
	_ = f.send(controlMessage{Op: "unsubscribe", Aliases: []string{alias}})
}

func (f *WebsocketFeed) subscribed() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.aliases))
	for a := range f.aliases {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (f *WebsocketFeed) send(msg controlMessage) error {
	f.mu.RLock()
	ws := f.wsConn
	f.mu.RUnlock()
	if ws == nil {
		return nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, b)
}

func (f *WebsocketFeed) Close() {
	f.mu.RLock()
	cancel, ws := f.cancel, f.wsConn
	f.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	if ws != nil {
		_ = ws.Close()
	}
}

// Run connects, subscribes and pumps messages until ctx is done, reconnecting
// with exponential backoff. It closes the event and error channels on return.
func (f *WebsocketFeed) Run(ctx context.Context, onStatus func(connected bool)) {
	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		return
	}
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()
	defer close(f.errCh)
	defer close(f.evCh)

	backoff := time.Second
	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		ws, err := f.openWS()
		if err != nil {
			onStatus(false)
			f.setConnected(false)
			f.emitErr(fmt.Errorf("ws open: %w", err))
			if !sleepCtx(f.ctx, backoff) {
				return
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		f.mu.Lock()
		f.wsConn = ws
		f.connected = true
		f.mu.Unlock()
		onStatus(true)
		backoff = time.Second

		if aliases := f.subscribed(); len(aliases) > 0 {
			if err := f.send(controlMessage{Op: "subscribe", Aliases: aliases}); err != nil {
				f.emitErr(fmt.Errorf("subscribe: %w", err))
			}
		}

		if err := f.readLoop(ws); err != nil {
			f.emitErr(err)
		}
		f.mu.Lock()
		f.wsConn = nil
		f.connected = false
		f.mu.Unlock()
		onStatus(false)
	}
}

func (f *WebsocketFeed) openWS() (*websocket.Conn, error) {
	d := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, network, addr)
		},
	}
	ws, _, err := d.DialContext(f.ctx, f.url, nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (f *WebsocketFeed) readLoop(ws *websocket.Conn) error {
	defer ws.Close()

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(25 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.writeMu.Lock()
				_ = ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
				f.writeMu.Unlock()
			case <-done:
				return
			case <-f.ctx.Done():
				_ = ws.Close()
				return
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if f.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))

		events, err := f.decoder.Decode(data)
		if err != nil {
			f.bad.report(err)
			continue
		}
		for _, ev := range events {
			select {
			case f.evCh <- ev:
			case <-f.ctx.Done():
				return nil
			}
		}
	}
}

func (f *WebsocketFeed) emitErr(err error) {
	select {
	case f.errCh <- err:
	default:
		// drop if buffer full
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
