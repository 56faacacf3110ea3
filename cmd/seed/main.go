// Command seed loads subscribers from a CSV file into the alert store. It is
// the operator's path for bulk registration and for preparing local test data.
//
// The CSV needs a header row with at least address, name, city and preference
// columns; email and active are optional. Rows are upserted, so re-running the
// same file is safe.
//
// Usage:
//
//	go run ./cmd/seed -db data/quake-alert -csv subscribers.csv
//	go run ./cmd/seed -db data/quake-alert -deactivate +959400000001
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/quake-alert/internal/domain"
	"github.com/couchcryptid/quake-alert/internal/store"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

var requiredColumns = []string{"address", "name", "city", "preference"}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	dbPath := flag.String("db", "data/quake-alert", "Badger directory")
	csvPath := flag.String("csv", "", "subscriber CSV file to upsert")
	deactivate := flag.String("deactivate", "", "address of a subscriber to deactivate")
	flag.Parse()

	if *csvPath == "" && *deactivate == "" {
		flag.Usage()
		return errors.New("one of -csv or -deactivate is required")
	}

	logger := sharedobs.NewLogger("warn", "text")
	db, err := store.Open(*dbPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	subs := store.NewSubscriberStore(db)

	if *deactivate != "" {
		if err := subs.Deactivate(ctx, *deactivate); err != nil {
			return err
		}
		log.Printf("deactivated %s", domain.MaskAddress(*deactivate))
	}

	if *csvPath != "" {
		f, err := os.Open(*csvPath)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		defer f.Close()

		rows, err := parseSubscribers(f)
		if err != nil {
			return fmt.Errorf("parse %s: %w", *csvPath, err)
		}

		var failed int
		for i, sub := range rows {
			if err := subs.Upsert(ctx, sub); err != nil {
				failed++
				log.Printf("row %d (%s): %v", i+2, domain.MaskAddress(sub.Address), err)
			}
		}
		log.Printf("upserted %d of %d subscribers", len(rows)-failed, len(rows))
		if failed > 0 {
			return fmt.Errorf("%d rows rejected", failed)
		}
	}

	stats, err := subs.Stats(ctx, domain.Now().Add(-24*time.Hour), 5)
	if err != nil {
		return err
	}
	for _, p := range domain.Preferences() {
		log.Printf("active %-12s %d", p, stats.ByPreference[p])
	}
	for _, c := range stats.ByCity {
		log.Printf("city   %-12s %d", c.City, c.Count)
	}
	return nil
}

// parseSubscribers reads subscriber rows. Preferences are normalized here;
// the remaining field rules are enforced by the store.
func parseSubscribers(r io.Reader) ([]domain.Subscriber, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) < 1 {
		return nil, errors.New("missing header row")
	}

	colIdx := map[string]int{}
	for i, h := range rows[0] {
		colIdx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := colIdx[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}

	get := func(row []string, col string) string {
		i, ok := colIdx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	out := make([]domain.Subscriber, 0, len(rows)-1)
	for n, row := range rows[1:] {
		pref, err := domain.ParsePreference(get(row, "preference"))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", n+2, err)
		}
		active := true
		if v := get(row, "active"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid active %q", n+2, v)
			}
			active = b
		}
		out = append(out, domain.Subscriber{
			Address:    get(row, "address"),
			Name:       get(row, "name"),
			Email:      get(row, "email"),
			City:       get(row, "city"),
			Preference: pref,
			Active:     active,
		})
	}
	return out, nil
}
