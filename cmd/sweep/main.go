// Command sweep runs a project's script chain over every combination of its
// parameter space and records each run in a SQLite ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/paramsweep/internal/buffer"
	"github.com/banshee-data/paramsweep/internal/config"
	"github.com/banshee-data/paramsweep/internal/db"
	"github.com/banshee-data/paramsweep/internal/processor"
	"github.com/banshee-data/paramsweep/internal/space"
	"github.com/banshee-data/paramsweep/internal/version"
)

// sweepStatus is written to the -status file after every combination.
type sweepStatus struct {
	RunID     string         `json:"run_id,omitempty"`
	Completed int            `json:"completed"`
	Total     int            `json:"total"`
	Fraction  float64        `json:"fraction"`
	Indices   map[string]int `json:"indices"`
	Path      string         `json:"path"`
	Failed    int            `json:"failed"`
	Updated   time.Time      `json:"updated"`
}

// sweepControl is read from the -control file while a sweep runs.
type sweepControl struct {
	Stop bool `json:"stop"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("sweep: %v", err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "migrate":
			return runMigrate(args[1:], out)
		case "runs":
			return runList(args[1:], out)
		case "export":
			return runExport(args[1:], out)
		}
	}
	return runSweep(ctx, args, out)
}

func runSweep(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Project file (.json, .yaml or .yml)")
	dbPath := fs.String("db", "", "Ledger database path (defaults to the project's ledger)")
	noLedger := fs.Bool("no-ledger", false, "Do not record the sweep in the ledger")
	force := fs.Bool("force", false, "Recompute every combination regardless of cached outputs")
	async := fs.Bool("async", false, "Run the sweep in the background; SIGINT or the control file stops it")
	writeDims := fs.Bool("write-dims", true, "Write the dimension file to the data root before sweeping")
	readDims := fs.Bool("read-dims", false, "Restore dimensions from the data root's dimension file instead of writing it")
	dims := fs.String("dims", "", "Comma-separated dimensions to sweep (overrides the project)")
	statusPath := fs.String("status", "", "JSON file updated with progress after every combination")
	controlPath := fs.String("control", "", "JSON file watched during -async sweeps; {\"stop\": true} stops the sweep")
	showVersion := fs.Bool("version", false, "Print version information and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Fprintln(out, version.String())
		return nil
	}
	if *configPath == "" {
		fs.Usage()
		return fmt.Errorf("-config is required")
	}

	cfg, err := config.LoadProject(*configPath)
	if err != nil {
		return err
	}
	ps, err := cfg.BuildSpace()
	if err != nil {
		return err
	}
	defer ps.Close()
	chain, err := cfg.BuildChain()
	if err != nil {
		return err
	}
	defer chain.Close()

	names := cfg.Sweep
	if *dims != "" {
		names = splitList(*dims)
	}

	root := ps.RootPath()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating data root: %w", err)
	}
	if *readDims {
		if err := ps.ReadDimensionFile(cfg.GetDimensionFile(), ""); err != nil {
			return err
		}
		special := ps.SpecialDirs()
		dirs := make([]string, 0, len(special))
		for dir := range special {
			dirs = append(dirs, dir)
		}
		sort.Strings(dirs)
		for _, dir := range dirs {
			fmt.Fprintf(out, "dimension override in %s\n", filepath.ToSlash(dir))
		}
	} else if *writeDims {
		if err := ps.WriteDimensionFile(cfg.GetDimensionFile(), ""); err != nil {
			return err
		}
	}
	if err := ps.CreateDataDirectories(); err != nil {
		return err
	}

	var rec *db.Recorder
	if !*noLedger {
		path := *dbPath
		if path == "" {
			path = cfg.GetLedger()
		}
		ledger, err := db.NewDB(path)
		if err != nil {
			return err
		}
		defer ledger.Close()

		swept := names
		if len(swept) == 0 {
			swept = ps.DimensionNames()
		}
		rec, err = ledger.StartRecorder(chain.ID(), root, swept, nil)
		if err != nil {
			return err
		}
	}

	var status *buffer.JSON[sweepStatus]
	if *statusPath != "" {
		status = buffer.NewJSON[sweepStatus](*statusPath)
	}
	failed := 0
	ps.SetOnCombination(func(res space.CombinationResult) {
		if res.Err != nil {
			failed++
		}
		if rec != nil {
			rec.Record(res)
		}
		fmt.Fprintf(out, "[%d/%d] %s %s\n", res.Number, res.Total, displayPath(res.Path), outcome(res))
		if status != nil {
			st := sweepStatus{
				Completed: res.Number,
				Total:     res.Total,
				Fraction:  float64(res.Number) / float64(res.Total),
				Indices:   res.Indices,
				Path:      res.Path,
				Failed:    failed,
				Updated:   time.Now().UTC(),
			}
			if rec != nil {
				st.RunID = rec.RunID()
			}
			if err := status.Set(st); err != nil {
				log.Printf("[sweep] warning: %v", err)
			}
		}
	})

	start := time.Now()
	var sweepErr error
	if *async {
		sweepErr = sweepAsync(ctx, ps, chain, names, *force, *controlPath)
	} else {
		sweepErr = ps.Sweep(ctx, chain, names, *force)
	}
	// A script killed by SIGINT fails before the sweep sees the cancellation.
	if sweepErr != nil && ctx.Err() != nil && !errors.Is(sweepErr, context.Canceled) {
		sweepErr = fmt.Errorf("%w: %v", ctx.Err(), sweepErr)
	}

	if rec != nil {
		if err := rec.Finish(sweepErr); err != nil {
			log.Printf("[sweep] warning: closing ledger run: %v", err)
		}
		fmt.Fprintf(out, "ledger run %s\n", rec.RunID())
	}
	fmt.Fprintf(out, "sweep finished in %s\n", time.Since(start).Round(time.Millisecond))
	if errors.Is(sweepErr, space.ErrSweepStopped) || errors.Is(sweepErr, context.Canceled) {
		fmt.Fprintln(out, "sweep stopped before completion")
		return nil
	}
	return sweepErr
}

// sweepAsync runs the sweep in the background while watching for a stop
// request from ctx or the control file.
func sweepAsync(ctx context.Context, ps *space.ParameterSpace, p processor.Processor, names []string, force bool, controlPath string) error {
	// The sweep context is not cancelled by SIGINT so the running
	// combination can finish.
	if err := ps.SweepAsync(context.WithoutCancel(ctx), p, names, force); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	watchCtx, stopWatch := context.WithCancel(gctx)
	defer stopWatch()

	var sweepErr error
	g.Go(func() error {
		defer stopWatch()
		sweepErr = ps.WaitForSweep()
		return nil
	})
	g.Go(func() error {
		<-watchCtx.Done()
		if ctx.Err() != nil {
			log.Printf("[sweep] interrupt received, stopping after the current combination")
			return ps.StopSweep()
		}
		return nil
	})
	if controlPath != "" {
		control := buffer.NewJSON[sweepControl](controlPath)
		control.OnUpdate(func(c sweepControl) {
			if c.Stop {
				log.Printf("[sweep] stop requested by %s", controlPath)
				go ps.StopSweep()
			}
		})
		g.Go(func() error { return control.Watch(watchCtx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, space.ErrSweepStopped) {
		return err
	}
	return sweepErr
}

func outcome(res space.CombinationResult) string {
	if res.Err != nil {
		return "FAILED: " + res.Err.Error()
	}
	return "ok (" + res.Duration.Round(time.Millisecond).String() + ")"
}

func displayPath(p string) string {
	if p == "" {
		return "."
	}
	return filepath.ToSlash(p)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runMigrate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(out)
	dbPath := fs.String("db", config.DefaultLedgerPath, "Ledger database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return db.RunMigrateCommand(fs.Args(), *dbPath, out)
}

func runList(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(out)
	dbPath := fs.String("db", config.DefaultLedgerPath, "Ledger database path")
	limit := fs.Int("limit", 20, "Maximum number of runs to list (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ledger, err := db.NewDB(*dbPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	runs, err := ledger.ListRuns(*limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPROCESSOR\tSTATUS\tTOTAL\tFAILED\tMEAN\tSTARTED")
	for _, r := range runs {
		s, err := ledger.Summarize(r.RunID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.RunID, r.ProcessorID, r.Status, r.Total, s.Failed,
			s.MeanDuration.Round(time.Millisecond), r.StartedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runExport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(out)
	dbPath := fs.String("db", config.DefaultLedgerPath, "Ledger database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: sweep export [-db path] <run-id>")
	}

	ledger, err := db.NewDB(*dbPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	if _, err := ledger.GetRun(fs.Arg(0)); err != nil {
		return err
	}
	return ledger.ExportCombinationsCSV(fs.Arg(0), out)
}
