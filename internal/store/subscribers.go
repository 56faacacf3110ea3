package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/couchcryptid/quake-alert/internal/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// SubscriberStore is the durable record of notification targets.
type SubscriberStore struct {
	db       *badger.DB
	validate *validator.Validate
}

// NewSubscriberStore creates a SubscriberStore over an open database.
func NewSubscriberStore(db *badger.DB) *SubscriberStore {
	return &SubscriberStore{
		db:       db,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func subscriberKey(addr string) []byte {
	return []byte(subscriberPrefix + addr)
}

func prefIndexKey(s domain.Subscriber) []byte {
	return []byte(prefIndexPrefix(s.Active, s.Preference) + s.Address)
}

func prefIndexPrefix(active bool, p domain.Preference) string {
	flag := "0"
	if active {
		flag = "1"
	}
	return subscriberPrefIndex + flag + ":" + string(p) + ":"
}

// Upsert validates and stores a subscriber, keeping the (active, preference)
// index in step. CreatedAt and LastNotified of an existing record are kept.
func (s *SubscriberStore) Upsert(_ context.Context, sub domain.Subscriber) error {
	sub.Address = strings.TrimSpace(sub.Address)
	sub.Preference = domain.Preference(strings.ToLower(string(sub.Preference)))
	if err := s.validate.Struct(sub); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidSubscriber, err)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		prev, err := getSubscriber(txn, sub.Address)
		switch {
		case err == nil:
			sub.CreatedAt = prev.CreatedAt
			if sub.LastNotified == nil {
				sub.LastNotified = prev.LastNotified
			}
			if err := txn.Delete(prefIndexKey(prev)); err != nil {
				return err
			}
		case errors.Is(err, domain.ErrSubscriberNotFound):
			if sub.CreatedAt.IsZero() {
				sub.CreatedAt = domain.Now()
			}
		default:
			return err
		}
		return putSubscriber(txn, sub)
	})
	if err != nil {
		return fmt.Errorf("upsert subscriber %s: %w", domain.MaskAddress(sub.Address), err)
	}
	return nil
}

// Get loads one subscriber by address.
func (s *SubscriberStore) Get(_ context.Context, addr string) (domain.Subscriber, error) {
	var sub domain.Subscriber
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		sub, err = getSubscriber(txn, addr)
		return err
	})
	return sub, err
}

// Deactivate marks a subscriber inactive. Subscribers are never deleted.
func (s *SubscriberStore) Deactivate(_ context.Context, addr string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		sub, err := getSubscriber(txn, addr)
		if err != nil {
			return err
		}
		if !sub.Active {
			return nil
		}
		if err := txn.Delete(prefIndexKey(sub)); err != nil {
			return err
		}
		sub.Active = false
		return putSubscriber(txn, sub)
	})
}

// ListActiveByPreferences returns active subscribers whose preference is one
// of prefs, ordered by preference then address.
func (s *SubscriberStore) ListActiveByPreferences(_ context.Context, prefs []domain.Preference) ([]domain.Subscriber, error) {
	var subs []domain.Subscriber
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, p := range prefs {
			prefix := []byte(prefIndexPrefix(true, p))
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				addr := string(it.Item().Key()[len(prefix):])
				sub, err := getSubscriber(txn, addr)
				if err != nil {
					return err
				}
				subs = append(subs, sub)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return subs, nil
}

// TouchLastNotified records the time the subscriber was last contacted.
func (s *SubscriberStore) TouchLastNotified(_ context.Context, addr string, at time.Time) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		sub, err := getSubscriber(txn, addr)
		if err != nil {
			return err
		}
		t := at.UTC()
		sub.LastNotified = &t
		return putSubscriber(txn, sub)
	})
	if err != nil {
		return fmt.Errorf("touch subscriber %s: %w", domain.MaskAddress(addr), err)
	}
	return nil
}

// Stats summarizes active subscribers: totals per preference, the topCities
// largest cities, and how many were contacted at or after notifiedSince.
// topCities <= 0 returns every city.
func (s *SubscriberStore) Stats(_ context.Context, notifiedSince time.Time, topCities int) (domain.SubscriberStats, error) {
	stats := domain.SubscriberStats{ByPreference: make(map[domain.Preference]int)}
	cities := make(map[string]int)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, p := range domain.Preferences() {
			prefix := []byte(prefIndexPrefix(true, p))
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				sub, err := getSubscriber(txn, string(it.Item().Key()[len(prefix):]))
				if err != nil {
					return err
				}
				stats.Active++
				stats.ByPreference[p]++
				cities[sub.City]++
				if sub.LastNotified != nil && !sub.LastNotified.Before(notifiedSince) {
					stats.RecentlyNotified++
				}
			}
		}
		return nil
	})
	if err != nil {
		return domain.SubscriberStats{}, fmt.Errorf("subscriber stats: %w", err)
	}

	stats.ByCity = make([]domain.CityCount, 0, len(cities))
	for city, n := range cities {
		stats.ByCity = append(stats.ByCity, domain.CityCount{City: city, Count: n})
	}
	slices.SortFunc(stats.ByCity, func(a, b domain.CityCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.City, b.City)
	})
	if topCities > 0 && len(stats.ByCity) > topCities {
		stats.ByCity = stats.ByCity[:topCities]
	}
	return stats, nil
}

func getSubscriber(txn *badger.Txn, addr string) (domain.Subscriber, error) {
	var sub domain.Subscriber
	item, err := txn.Get(subscriberKey(addr))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return sub, fmt.Errorf("%w: %s", domain.ErrSubscriberNotFound, domain.MaskAddress(addr))
	}
	if err != nil {
		return sub, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sub)
	})
	return sub, err
}

func putSubscriber(txn *badger.Txn, sub domain.Subscriber) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}
	if err := txn.Set(subscriberKey(sub.Address), data); err != nil {
		return err
	}
	return txn.Set(prefIndexKey(sub), nil)
}
