// The gmsweep command reclaims Gmail quota safely: it downloads
// matching messages to a local archive, verifies the archive by
// checksum, and only then trashes or permanently deletes them from
// the server, resumably and within the API quota budget.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/matta/gmsweep/internal/archive"
	"github.com/matta/gmsweep/internal/batch"
	"github.com/matta/gmsweep/internal/filter"
	"github.com/matta/gmsweep/internal/gmail"
	"github.com/matta/gmsweep/internal/gmailhttp"
	"github.com/matta/gmsweep/internal/homedir"
	"github.com/matta/gmsweep/internal/ledger"
	"github.com/matta/gmsweep/internal/quota"
	"github.com/matta/gmsweep/internal/sweep"
	"github.com/matta/gmsweep/internal/tracehttp"

	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagTrace = flag.Bool("T", false, "request debug tracing")

	flagDB      = flag.String("db", filepath.Join(homedir.Get(), ".gmsweep.db"), "progress ledger path")
	flagArchive = flag.String("archive", filepath.Join(homedir.Get(), "gmsweep-archive"), "local archive root")

	flagCredentials = flag.String("credentials", filepath.Join(homedir.Get(), ".gmsweep-credentials.json"),
		"OAuth client credentials file")
	flagToken = flag.String("token", filepath.Join(homedir.Get(), ".gmsweep-token.json"),
		"OAuth token cache file")

	flagOlderThan   = flag.Int("older_than_days", 365, "only messages older than this many days")
	flagLargerThan  = flag.Int64("larger_than", 0, "only messages larger than this many bytes (0 disables)")
	flagFrom        = flag.String("from", "", "comma separated senders to match")
	flagExcludeFrom = flag.String("exclude_from", "", "comma separated senders to never touch")
	flagQuery       = flag.String("query", "", "extra Gmail query terms appended to the filter")

	flagMode   = flag.String("mode", "trash", `deletion mode: "trash" or "delete" (permanent)`)
	flagDryRun = flag.Bool("dry_run", true,
		"archive and verify only; never issue deletions (pass -dry_run=false to delete)")

	flagBatchSize     = flag.Int("batch_size", batch.DefaultSize, "messages per deletion batch")
	flagMaxAttempts   = flag.Int("max_attempts", batch.DefaultMaxAttempts, "retry attempts per deletion batch")
	flagFetchAttempts = flag.Int("fetch_attempts", sweep.DefaultFetchAttempts,
		"retry attempts per message fetch or archive read-back")
	flagConcurrency = flag.Int("concurrency", 4, "parallel fetch workers")
	flagQuota       = flag.Int("quota_units_per_second", quota.DefaultUnitsPerSecond,
		"Gmail API quota units admitted per second")
)

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func deletionMode() (batch.Mode, string, error) {
	switch *flagMode {
	case "trash":
		// Trashing only needs modify access.
		return batch.ModeTrash, gmail.ModifyScope, nil
	case "delete":
		return batch.ModePermanent, gmail.MailScope, nil
	}
	return 0, "", errors.Errorf("invalid -mode %q; use \"trash\" or \"delete\"", *flagMode)
}

func buildQuery() string {
	c := filter.Default()
	c.OlderThanDays = *flagOlderThan
	c.LargerThanBytes = *flagLargerThan
	c.FromSenders = splitList(*flagFrom)
	c.ExcludeSenders = splitList(*flagExcludeFrom)
	c.RawQuery = *flagQuery
	return c.Query()
}

func sweepOptions(mode batch.Mode) sweep.Options {
	return sweep.Options{
		Query:         buildQuery(),
		Mode:          mode,
		DryRun:        *flagDryRun,
		Concurrency:   *flagConcurrency,
		FetchAttempts: *flagFetchAttempts,
	}
}

func run(ctx context.Context) error {
	mode, scope, err := deletionMode()
	if err != nil {
		return err
	}

	db, err := ledger.Open(ctx, *flagDB)
	if err != nil {
		return errors.Wrap(err, "unable to initialize ledger")
	}
	defer db.Close()

	ar, err := archive.New(*flagArchive)
	if err != nil {
		return errors.Wrap(err, "unable to initialize archive")
	}

	httpClient, err := gmailhttp.New(ctx, *flagCredentials, *flagToken, scope)
	if err != nil {
		return errors.Wrap(err, "unable to initialize GMail HTTP client")
	}

	budget := quota.NewBudget(*flagQuota)
	svc, err := gmail.New(httpClient, budget)
	if err != nil {
		return errors.Wrap(err, "unable to initialize GMail")
	}

	batcher := batch.New(svc,
		batch.WithSize(*flagBatchSize),
		batch.WithRetry(*flagMaxAttempts, batch.DefaultBaseDelay, batch.DefaultMaxDelay))

	opts := sweepOptions(mode)
	log.Printf("sweeping messages matching %q (mode %v, dry run %v)", opts.Query, mode, *flagDryRun)
	started := time.Now()
	summary, err := sweep.Run(ctx, opts, svc, db, ar, batcher)
	if summary != nil {
		fmt.Printf("Run summary (%v): %v\n", time.Since(started).Round(time.Second), summary)
		reportFailures(ctx, db)
	}
	if err != nil {
		return errors.Wrap(err, "sweep did not complete; re-run to resume")
	}
	return nil
}

func reportFailures(ctx context.Context, db *ledger.DB) {
	err := db.ListFailures(ctx, func(id, reason string) error {
		fmt.Printf("  failed %v: %v\n", id, reason)
		return nil
	})
	if err != nil {
		log.Printf("unable to list failures: %v", err)
	}
}

func main() {
	flag.Parse()
	if *flagTrace {
		tracehttp.WrapDefaultTransport()
	}

	// Interrupt stops issuing new remote calls; in-flight ledger
	// writes still complete.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
	fmt.Print("Success!\n")
	os.Exit(0)
}
