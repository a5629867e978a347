package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"trade-replicator/internal/config"
	"trade-replicator/internal/database"
	"trade-replicator/internal/ledger"
	"trade-replicator/internal/logger"
	"trade-replicator/internal/models"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// reconcile lists records needing review and resolves unknown-outcome records
// after the destination account has been checked by hand.
//
//	reconcile -list unknown_outcome
//	reconcile -id order:O1 -outcome executed -ticket 5001 -price 64011.5
//	reconcile -id order:O1 -outcome failed -note "no position on destination"
func main() {
	configDir := flag.String("config", "./configs", "directory holding config.yml")
	list := flag.String("list", "", "list records by status (failed, unknown_outcome, ...)")
	limit := flag.Int("limit", 50, "maximum records to list")
	id := flag.String("id", "", "source trade id to resolve")
	outcome := flag.String("outcome", "", "resolution: executed or failed")
	ticket := flag.String("ticket", "", "destination ticket (executed only)")
	price := flag.String("price", "", "execution price (executed only)")
	note := flag.String("note", "", "operator note stored with the record")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	l := ledger.New(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case *list != "":
		err = listRecords(ctx, l, *list, *limit)
	case *id != "":
		err = resolve(ctx, l, *id, *outcome, *ticket, *price, *note)
		if err == nil {
			log.Info("Record resolved", zap.String("source_trade_id", *id), zap.String("outcome", *outcome))
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func listRecords(ctx context.Context, l *ledger.Ledger, status string, limit int) error {
	f := ledger.Filter{Limit: limit}
	if status == "unknown_outcome" {
		f.UnknownOutcome = true
	} else {
		f.Status = models.Status(status)
		if !f.Status.Valid() {
			return fmt.Errorf("unknown status %q: use new, queued, executing, executed, failed, duplicate_ignored or unknown_outcome", status)
		}
	}
	recs, err := l.List(ctx, f)
	if err != nil {
		return err
	}
	return printJSON(recs)
}

func resolve(ctx context.Context, l *ledger.Ledger, id, outcome, ticket, price, note string) error {
	r := ledger.Resolution{Outcome: models.Status(outcome), Ticket: ticket, Note: note}
	if price != "" {
		p, err := decimal.NewFromString(price)
		if err != nil {
			return fmt.Errorf("invalid price %q: %w", price, err)
		}
		r.Price = decimal.NewNullDecimal(p)
	}
	if err := l.Resolve(ctx, id, r); err != nil {
		return err
	}
	rec, err := l.Find(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}
