// Package store persists events and subscribers in an embedded BadgerDB.
//
// Key layout:
//
//	event:<id>                                   JSON event record
//	event_pending:<unix-nanos, 20 digits>:<id>   present while the event is unprocessed
//	subscriber:<address>                         JSON subscriber record
//	subscriber_pref:<0|1>:<preference>:<address> index on (active, preference)
//
// The pending and preference keys carry no value; they exist so the pending
// work query and the fanout selection query are prefix scans.
package store

import (
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

const (
	eventPrefix         = "event:"
	eventPendingPrefix  = "event_pending:"
	subscriberPrefix    = "subscriber:"
	subscriberPrefIndex = "subscriber_pref:"
)

// Open opens (or creates) the database directory at path. An empty path opens
// an in-memory database, which tests use.
func Open(path string, logger *slog.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.SyncWrites = true
	opts.ValueLogFileSize = 64 << 20
	opts.Logger = badgerLogger{logger: logger.With("component", "badger")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return db, nil
}

// badgerLogger routes Badger's printf-style logging into slog. Info output is
// demoted to debug because Badger is chatty during compaction.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
