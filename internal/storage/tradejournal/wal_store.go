// Package tradejournal keeps an append-only audit log of committed trades.
package tradejournal

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/papertrade/internal/domain"
)

const (
	defaultJournalDir   = "./wal/trades"
	journalSegmentLimit = 1000
	journalMaxSegments  = 100
	tradeKeyPrefix      = "trade_"
)

// Entry is a journaled trade event together with its WAL index.
type Entry struct {
	Index uint64
	Event domain.TradeEvent
}

// envelope is the WAL payload; it carries its own index so reads only need the iterator.
type envelope struct {
	Index uint64            `json:"index"`
	Event domain.TradeEvent `json:"event"`
}

// WALStore journals trade events in a write-ahead log.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore opens (or creates) the journal under dir.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultJournalDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "trades_",
		SegmentThreshold: journalSegmentLimit,
		MaxSegments:      journalMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init trade journal WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Publish appends the event; it lets the journal act as a dispatcher sink.
func (s *WALStore) Publish(_ context.Context, evt domain.TradeEvent) error {
	return s.Append(evt)
}

// Append writes the event to the WAL.
func (s *WALStore) Append(evt domain.TradeEvent) error {
	if s == nil || s.wal == nil {
		return errors.New("trade journal is not initialized")
	}
	if evt.UserID == "" {
		return errors.New("trade event user id is required")
	}

	key := tradeKeyPrefix + evt.UserID

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	payload, err := json.Marshal(envelope{Index: nextIndex, Event: evt})
	if err != nil {
		return errors.Wrap(err, "marshal trade event")
	}

	return errors.Wrap(s.wal.Write(nextIndex, key, payload), "write trade event")
}

// UserEntries returns the events of one user written after the given WAL index,
// in commit order. An index of 0 replays the whole retained journal.
func (s *WALStore) UserEntries(userID string, index uint64) ([]Entry, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("trade journal is not initialized")
	}
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.wal.CurrentIndex() <= index {
		return nil, nil
	}

	key := tradeKeyPrefix + userID
	var entries []Entry
	for msg := range s.wal.Iterator() {
		if msg.Key != key {
			continue
		}

		var env envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			return nil, errors.Wrapf(err, "decode trade event %s", msg.Key)
		}
		if env.Index <= index {
			continue
		}
		entries = append(entries, Entry{Index: env.Index, Event: env.Event})
	}

	return entries, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("trade journal is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
