package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/quake-alert/internal/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// EventStore is the durable record of every event ever ingested.
type EventStore struct {
	db *badger.DB
}

// NewEventStore creates an EventStore over an open database.
func NewEventStore(db *badger.DB) *EventStore {
	return &EventStore{db: db}
}

func eventKey(id string) []byte {
	return []byte(eventPrefix + id)
}

// pendingKey sorts by occurrence time, then ID. Pre-1970 events are clamped
// to zero; the catalog never returns them for a live window.
func pendingKey(ev domain.Event) []byte {
	nanos := ev.Time.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	return fmt.Appendf(nil, "%s%020d:%s", eventPendingPrefix, nanos, ev.ID)
}

// Exists reports whether an event with the given catalog ID is stored.
func (s *EventStore) Exists(_ context.Context, id string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(eventKey(id))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("check event %s: %w", id, err)
	}
}

// Insert stores a new unprocessed event. It returns domain.ErrEventExists if
// the catalog ID is already present; stored events are never overwritten.
func (s *EventStore) Insert(_ context.Context, ev domain.Event) error {
	ev.Processed = false
	ev.ProcessedAt = nil
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(eventKey(ev.ID))
		if err == nil {
			return domain.ErrEventExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(eventKey(ev.ID), data); err != nil {
			return err
		}
		return txn.Set(pendingKey(ev), nil)
	})
	if errors.Is(err, badger.ErrConflict) {
		return domain.ErrEventExists
	}
	if err != nil && !errors.Is(err, domain.ErrEventExists) {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return err
}

// Get loads one event by catalog ID.
func (s *EventStore) Get(_ context.Context, id string) (domain.Event, error) {
	var ev domain.Event
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ev, err = getEvent(txn, id)
		return err
	})
	if err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

func getEvent(txn *badger.Txn, id string) (domain.Event, error) {
	var ev domain.Event
	item, err := txn.Get(eventKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ev, fmt.Errorf("%w: %s", domain.ErrEventNotFound, id)
	}
	if err != nil {
		return ev, fmt.Errorf("get event %s: %w", id, err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &ev)
	})
	if err != nil {
		return ev, fmt.Errorf("decode event %s: %w", id, err)
	}
	return ev, nil
}

// MarkProcessed flips the processed flag of an event. It reports whether this
// call performed the transition; an already processed event is left untouched
// and yields false.
func (s *EventStore) MarkProcessed(_ context.Context, id string, at time.Time) (bool, error) {
	changed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		ev, err := getEvent(txn, id)
		if err != nil {
			return err
		}
		if ev.Processed {
			return nil
		}
		ev.Processed = true
		processedAt := at.UTC()
		ev.ProcessedAt = &processedAt

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", id, err)
		}
		if err := txn.Set(eventKey(id), data); err != nil {
			return err
		}
		if err := txn.Delete(pendingKey(ev)); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark event %s processed: %w", id, err)
	}
	return changed, nil
}

// ListPending returns up to limit unprocessed events, oldest first.
func (s *EventStore) ListPending(_ context.Context, limit int) ([]domain.Event, error) {
	var events []domain.Event
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(eventPendingPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}
			key := string(it.Item().Key())
			id, ok := pendingID(key)
			if !ok {
				continue
			}
			ev, err := getEvent(txn, id)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	return events, nil
}

// pendingID extracts the event ID from a pending key. IDs may contain ':' so
// only the fixed-width timestamp segment is split off.
func pendingID(key string) (string, bool) {
	rest := key[len(eventPendingPrefix):]
	if len(rest) < 22 || rest[20] != ':' {
		return "", false
	}
	return rest[21:], true
}

// Counts returns the number of stored events and how many are still unprocessed.
func (s *EventStore) Counts(_ context.Context) (total, pending int, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, p := range []struct {
			prefix []byte
			n      *int
		}{
			{[]byte(eventPrefix), &total},
			{[]byte(eventPendingPrefix), &pending},
		} {
			for it.Seek(p.prefix); it.ValidForPrefix(p.prefix); it.Next() {
				*p.n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("count events: %w", err)
	}
	return total, pending, nil
}
