// Command sendtest formats an alert and sends it to one address through the
// configured SMS gateway. It reads the same environment as the service, so it
// verifies Twilio credentials and message layout without waiting for a quake.
//
// With -event, the alert is built from a stored event; otherwise a synthetic
// event is used. Nothing in the store is modified.
//
// Usage:
//
//	go run ./cmd/sendtest -to +959400000001
//	go run ./cmd/sendtest -to +959400000001 -event us7000pn9s -dry-run
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/couchcryptid/quake-alert/internal/adapter/sms"
	"github.com/couchcryptid/quake-alert/internal/config"
	"github.com/couchcryptid/quake-alert/internal/domain"
	"github.com/couchcryptid/quake-alert/internal/store"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	to := flag.String("to", "", "destination address in E.164 form")
	eventID := flag.String("event", "", "stored event to format (default: synthetic event)")
	magnitude := flag.Float64("mag", 5.5, "magnitude of the synthetic event")
	place := flag.String("place", "12 km E of Mandalay, Myanmar", "place of the synthetic event")
	dryRun := flag.Bool("dry-run", false, "print the message without sending")
	flag.Parse()

	if *to == "" {
		flag.Usage()
		return errors.New("missing required flag: -to")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := sharedobs.NewLogger(cfg.LogLevel, "text")

	ev, err := loadEvent(cfg, *eventID, *magnitude, *place)
	if err != nil {
		return err
	}

	formatter := domain.AlertFormatter{Location: cfg.AlertLocation, InfoURL: cfg.AlertInfoURL}
	body := formatter.Format(ev)
	fmt.Printf("tier:    %s (%s)\n", ev.Tier(), domain.AlertLevel(ev.Tier()))
	fmt.Printf("length:  %d\n", len(body))
	fmt.Printf("message: %s\n", body)

	var gateway domain.Gateway = sms.NewDryRunGateway(logger)
	if cfg.SMSEnabled && !*dryRun {
		gateway = sms.NewGateway(sms.Config{
			BaseURL:    cfg.SMSBaseURL,
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioFromNumber,
		}, logger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DeliveryTimeout)
	defer cancel()

	receipt, err := gateway.Send(ctx, *to, body)
	if err != nil {
		return fmt.Errorf("send to %s: %w", domain.MaskAddress(*to), err)
	}
	fmt.Printf("sent:    %s (%s)\n", receipt.Reference, receipt.Status)
	return nil
}

func loadEvent(cfg *config.Config, id string, mag float64, place string) (domain.Event, error) {
	if id == "" {
		now := domain.Now().Add(-5 * time.Minute)
		lon, lat, depth := 96.08, 21.97, 10.0
		return domain.NewEvent(domain.CandidateEvent{
			ID:        "sendtest",
			Magnitude: &mag,
			Place:     place,
			Time:      &now,
			Lon:       &lon,
			Lat:       &lat,
			Depth:     &depth,
		}, domain.Now())
	}

	logger := sharedobs.NewLogger("warn", "text")
	db, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return domain.Event{}, err
	}
	defer db.Close()
	return store.NewEventStore(db).Get(context.Background(), id)
}
