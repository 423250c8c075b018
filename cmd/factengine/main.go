/*
main.go - Application entry point

PURPOSE:
  Command line for the fact ingestion engine. Every command loads the same
  YAML configuration and wires the same components; they differ only in
  what they drive.

COMMANDS:
  run          Ingest every pending landing file once
  recover      Finish relocations interrupted by a crash
  serve        Serve the admin API with a periodic recovery sweeper
  import-dims  Merge a customers, products or prices CSV into the dimensions
  gen-dates    Seed the date dimension for a range of days

GLOBAL FLAGS:
  -c, --config  YAML configuration (env FACTENGINE_CONFIG, default config.yaml).
                A missing file means all defaults.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM a run stops at its next cancellation point; an
  uncommitted merge rolls back and its files stay pending. serve stops
  accepting connections and waits up to 30s for active requests.

EXAMPLES:
  factengine -c ./config.yaml import-dims --table=customers dim_customer.csv
  factengine gen-dates --from=2018-09-01 --to=2025-08-31
  factengine run
  factengine serve --addr=:9090

SEE ALSO:
  - app.go: Component wiring
  - config/config.go: Configuration file
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/warp/fact-engine/api"
	"github.com/warp/fact-engine/config"
	"github.com/warp/fact-engine/core"
)

// Options are the global flags.
var Options = new(struct {
	Config string `short:"c" long:"config" env:"FACTENGINE_CONFIG" default:"config.yaml" description:"Path to the YAML configuration"`
})

// =============================================================================
// COMMANDS
// =============================================================================

type cmdRun struct{}

func (cmd *cmdRun) Execute([]string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := a.runner.Run(ctx)
	if report != nil {
		printJSON(report)
	}
	return err
}

type cmdRecover struct{}

func (cmd *cmdRecover) Execute([]string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.lifecycle.Recover(context.Background())
	if err != nil {
		return err
	}
	printJSON(report)
	return nil
}

type cmdServe struct {
	Addr string `long:"addr" description:"Listen address (overrides server.addr)"`
}

func (cmd *cmdServe) Execute([]string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Server.Addr
	if cmd.Addr != "" {
		addr = cmd.Addr
	}

	sweeper := api.NewRecoverySweeper(a.lifecycle, a.log)
	sweeper.CheckInterval = a.cfg.Server.SweepInterval
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(a.handler()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: a.cfg.Storage.Timeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.Info("server starting", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info("server stopped")
	return nil
}

type cmdImportDims struct {
	Table string `long:"table" required:"true" choice:"customers" choice:"products" choice:"prices" description:"Dimension table to merge into"`
	Args  struct {
		File string `positional-arg-name:"FILE" required:"yes"`
	} `positional-args:"yes"`
}

func (cmd *cmdImportDims) Execute([]string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := os.Open(cmd.Args.File)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := context.Background()
	var counts core.UpsertCounts
	switch cmd.Table {
	case "customers":
		counts, err = a.importer.ImportCustomers(ctx, f)
	case "products":
		counts, err = a.importer.ImportProducts(ctx, f)
	case "prices":
		counts, err = a.importer.ImportGrossPrices(ctx, f)
	}
	if err != nil {
		return fmt.Errorf("import %s from %s: %w", cmd.Table, cmd.Args.File, err)
	}
	printJSON(map[string]int{"inserted": counts.Inserted, "updated": counts.Updated})
	return nil
}

type cmdGenDates struct {
	From string `long:"from" required:"true" description:"First day (YYYY-MM-DD)"`
	To   string `long:"to" required:"true" description:"Last day (YYYY-MM-DD)"`
}

func (cmd *cmdGenDates) Execute([]string) error {
	from, err := core.ParseDate(cmd.From)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := core.ParseDate(cmd.To)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}

	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.importer.SeedDates(context.Background(), from, to)
	if err != nil {
		return err
	}
	printJSON(map[string]int{"days": n})
	return nil
}

// =============================================================================
// SETUP
// =============================================================================

func setup() (*app, error) {
	cfg, err := config.Load(Options.Config)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, err
	}

	log, err := cfg.NewLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return newApp(cfg, afero.NewOsFs(), log)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func main() {
	parser := flags.NewParser(Options, flags.Default)

	commands := []struct {
		name, short, long string
		data              any
	}{
		{"run", "Ingest pending files", "Discover, load, merge and archive every pending landing file once", &cmdRun{}},
		{"recover", "Recover interrupted files", "Relocate files left merged by an interrupted run. Never merges.", &cmdRecover{}},
		{"serve", "Serve the admin API", "Serve the admin API and sweep for interrupted files periodically", &cmdServe{}},
		{"import-dims", "Import a dimension table", "Merge a customers, products or gross prices CSV into the dimension tables", &cmdImportDims{}},
		{"gen-dates", "Seed the date dimension", "Write one date dimension row per day of the range", &cmdGenDates{}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			fmt.Fprintf(os.Stderr, "failed to add %s command: %v\n", c.name, err)
			os.Exit(2)
		}
	}

	if _, err := parser.Parse(); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
