package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaFeed consumes market events from one topic. All instruments share the
// topic, so events for aliases that are not subscribed are skipped here.
type KafkaFeed struct {
	reader  messageReader
	decoder *Decoder
	log     *slog.Logger
	bad     *badMessages

	mu        sync.RWMutex
	aliases   map[string]bool
	connected bool
	cancel    context.CancelFunc

	evCh  chan Event
	errCh chan error
}

func NewKafkaFeed(brokers []string, topic, groupID string, decoder *Decoder, maxBadLogsPerSec int, logger *slog.Logger) *KafkaFeed {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     100 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})
	return newKafkaFeed(r, decoder, maxBadLogsPerSec, logger)
}

func newKafkaFeed(r messageReader, decoder *Decoder, maxBadLogsPerSec int, logger *slog.Logger) *KafkaFeed {
	log := logger.With(slog.String("component", "feed.kafka"))
	return &KafkaFeed{
		reader:  r,
		decoder: decoder,
		log:     log,
		bad:     newBadMessages(log, maxBadLogsPerSec),
		aliases: map[string]bool{},
		evCh:    make(chan Event, 4096),
		errCh:   make(chan error, 16),
	}
}

func (f *KafkaFeed) Events() <-chan Event { return f.evCh }
func (f *KafkaFeed) Errors() <-chan error { return f.errCh }

func (f *KafkaFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func (f *KafkaFeed) Subscribe(alias string) error {
	if alias == "" {
		return fmt.Errorf("empty alias")
	}
	f.mu.Lock()
	f.aliases[alias] = true
	f.mu.Unlock()
	return nil
}

func (f *KafkaFeed) Unsubscribe(alias string) {
	f.mu.Lock()
	delete(f.aliases, alias)
	f.mu.Unlock()
}

func (f *KafkaFeed) wants(alias string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.aliases[alias]
}

func (f *KafkaFeed) setConnected(v bool, onStatus func(bool)) {
	f.mu.Lock()
	changed := f.connected != v
	f.connected = v
	f.mu.Unlock()
	if changed {
		onStatus(v)
	}
}

// Run reads until ctx is done or the reader is closed. Read errors are
// reported and retried after a short pause.
func (f *KafkaFeed) Run(ctx context.Context, onStatus func(connected bool)) {
	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()
	defer close(f.errCh)
	defer close(f.evCh)

	f.log.Info("starting kafka consumer")
	for {
		msg, err := f.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				f.setConnected(false, onStatus)
				return
			}
			f.setConnected(false, onStatus)
			f.emitErr(fmt.Errorf("kafka read: %w", err))
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		f.setConnected(true, onStatus)

		events, err := f.decoder.Decode(msg.Value)
		if err != nil {
			f.bad.report(err)
			continue
		}
		for _, ev := range events {
			if !f.wants(ev.Alias) {
				continue
			}
			select {
			case f.evCh <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *KafkaFeed) Close() {
	f.mu.RLock()
	cancel := f.cancel
	f.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	if err := f.reader.Close(); err != nil {
		f.log.Warn("kafka reader close", slog.String("err", err.Error()))
	}
}

func (f *KafkaFeed) emitErr(err error) {
	select {
	case f.errCh <- err:
	default:
	}
}
