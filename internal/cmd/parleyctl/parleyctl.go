// Package parleyctl implements the operator command line for the
// translation cache and the sweep worker.
package parleyctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	entrypoint "github.com/louisbranch/parley/internal/platform/cmd"
	"github.com/louisbranch/parley/internal/platform/discovery"
	apperrors "github.com/louisbranch/parley/internal/platform/errors"
	platformgrpc "github.com/louisbranch/parley/internal/platform/grpc"
	"github.com/louisbranch/parley/internal/platform/timeouts"
	"github.com/louisbranch/parley/internal/services/translation/domain"
	"github.com/louisbranch/parley/internal/services/translation/reconcile"
	"github.com/louisbranch/parley/internal/services/translation/storage"
	"github.com/louisbranch/parley/internal/services/translation/storage/pebble"
	"github.com/louisbranch/parley/internal/services/translation/storage/sqlite"
	workerapp "github.com/louisbranch/parley/internal/services/worker/app"
	workersqlite "github.com/louisbranch/parley/internal/services/worker/storage/sqlite"
)

// Config holds defaults for the global flags.
type Config struct {
	Backend      string        `env:"PARLEY_CACHE_BACKEND" envDefault:"sqlite"`
	DBPath       string        `env:"PARLEY_DB_PATH" envDefault:"data/translations.db"`
	PebbleDir    string        `env:"PARLEY_PEBBLE_DIR" envDefault:"data/translations.pebble"`
	WorkerDBPath string        `env:"PARLEY_WORKER_DB_PATH" envDefault:"data/worker.db"`
	WorkerAddr   string        `env:"PARLEY_WORKER_ADDR"`
	ChatURL      string        `env:"PARLEY_CHAT_URL"`
	DialTimeout  time.Duration `env:"PARLEY_CTL_DIAL_TIMEOUT"`
}

// LoadConfig reads Config from .env and the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	cfg.WorkerAddr = discovery.OrDefaultGRPCAddr(cfg.WorkerAddr, discovery.ServiceWorker)
	cfg.ChatURL = discovery.OrDefaultHTTPBaseURL(cfg.ChatURL, discovery.ServiceChat)
	return cfg, nil
}

// Run executes args against a fresh root command.
func Run(ctx context.Context, cfg Config, args []string, out io.Writer) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceCtl, func(ctx context.Context) error {
		root := NewRootCommand(cfg, out)
		root.SetArgs(args)
		return root.ExecuteContext(ctx)
	})
}

// NewRootCommand builds the parleyctl command tree. Output goes to out.
func NewRootCommand(cfg Config, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "parleyctl",
		Short:         "Inspect and repair the parley translation cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(out)
	root.SetErr(out)

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.Backend, "cache", cfg.Backend, "Translation cache backend (sqlite, pebble)")
	flags.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite translation cache path")
	flags.StringVar(&cfg.PebbleDir, "pebble-dir", cfg.PebbleDir, "Pebble translation cache directory")
	flags.StringVar(&cfg.WorkerDBPath, "worker-db-path", cfg.WorkerDBPath, "Worker SQLite database path")

	c := &ctl{cfg: &cfg}
	root.AddCommand(
		c.sweepCommand(),
		c.duplicatesCommand(),
		c.getCommand(),
		c.runsCommand(),
		c.healthCommand(),
	)
	return root
}

type ctl struct {
	cfg *Config
}

func (c *ctl) sweepCommand() *cobra.Command {
	var record, viaChat bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Collapse duplicate translation records now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if viaChat {
				return c.remoteSweep(ctx, cmd.OutOrStdout())
			}
			cache, err := c.openCache(ctx)
			if err != nil {
				return err
			}
			defer cache.Close()

			opts := reconcile.Options{}
			if record {
				runs, err := workersqlite.Open(ctx, c.cfg.WorkerDBPath)
				if err != nil {
					return fmt.Errorf("open worker store: %w", err)
				}
				defer runs.Close()
				opts.Recorder = workerapp.NewSweepRunRecorder(runs)
			}
			runner, err := reconcile.NewRunner(cache, opts)
			if err != nil {
				return err
			}
			res, err := runner.Sweep(ctx, reconcile.TriggerManual)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s removed %s duplicate records and pruned %s claims in %s\n",
				res.RunID,
				humanize.Comma(int64(res.Removed)),
				humanize.Comma(int64(res.PrunedClaims)),
				res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond),
			)
			return nil
		},
	}
	cmd.Flags().BoolVar(&record, "record", false, "Record the run in the worker sweep history")
	cmd.Flags().BoolVar(&viaChat, "via-chat", false, "Ask the chat gateway to sweep its own cache")
	cmd.Flags().StringVar(&c.cfg.ChatURL, "chat-url", c.cfg.ChatURL, "Chat gateway base URL")
	return cmd
}

func (c *ctl) duplicatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "duplicates",
		Short: "List keys holding more than one translation record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cache, err := c.openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer cache.Close()

			groups, err := cache.Duplicates(cmd.Context())
			if err != nil {
				return err
			}
			if len(groups) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no duplicate records")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MESSAGE\tLANGUAGE\tRECORDS")
			for _, g := range groups {
				fmt.Fprintf(w, "%s\t%s\t%s\n", g.MessageID, g.TargetLanguage, humanize.Comma(int64(g.Count)))
			}
			return w.Flush()
		},
	}
}

func (c *ctl) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <message-id> [language]",
		Short: "Show cached translations of a message",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cache, err := c.openCache(ctx)
			if err != nil {
				return err
			}
			defer cache.Close()

			var records []domain.TranslationRecord
			if len(args) == 2 {
				rec, ok, err := cache.Get(ctx, domain.Key{MessageID: args[0], TargetLanguage: args[1]})
				if err != nil {
					return err
				}
				if !ok {
					return apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("no %s translation for %s", args[1], args[0]))
				}
				records = append(records, rec)
			} else {
				records, err = cache.ListByMessage(ctx, args[0])
				if err != nil {
					return err
				}
				if len(records) == 0 {
					return apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("no translations for %s", args[0]))
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LANGUAGE\tMODEL\tCREATED\tCONTENT")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.TargetLanguage, orDash(rec.EngineModelID), humanize.Time(rec.CreatedAt), rec.TranslatedContent)
			}
			return w.Flush()
		},
	}
}

func (c *ctl) runsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sweep runs recorded by the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := workersqlite.Open(cmd.Context(), c.cfg.WorkerDBPath)
			if err != nil {
				return fmt.Errorf("open worker store: %w", err)
			}
			defer store.Close()

			runs, err := store.ListSweepRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sweep runs recorded")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tTRIGGER\tSTARTED\tREMOVED\tPRUNED\tERROR")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					run.RunID,
					run.Trigger,
					humanize.Time(run.StartedAt),
					humanize.Comma(int64(run.Removed)),
					humanize.Comma(int64(run.PrunedClaims)),
					orDash(run.Error),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	return cmd
}

func (c *ctl) healthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the sweep worker is serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			timeout := c.cfg.DialTimeout
			if timeout <= 0 {
				timeout = timeouts.GRPCDial
			}
			target := platformgrpc.HealthTarget{Addr: c.cfg.WorkerAddr, Service: workerapp.HealthService}
			conn, err := platformgrpc.DialWithHealth(cmd.Context(), nil, target, timeout, nil, platformgrpc.DefaultClientDialOptions()...)
			if err != nil {
				return fmt.Errorf("worker %s: %w", c.cfg.WorkerAddr, err)
			}
			defer conn.Close()

			status, err := platformgrpc.Probe(cmd.Context(), conn, workerapp.HealthService)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", c.cfg.WorkerAddr, workerapp.HealthService, status)
			return nil
		},
	}
	cmd.Flags().StringVar(&c.cfg.WorkerAddr, "worker-addr", c.cfg.WorkerAddr, "Worker gRPC address")
	cmd.Flags().DurationVar(&c.cfg.DialTimeout, "timeout", c.cfg.DialTimeout, "How long to wait for the worker to report serving")
	return cmd
}

type remoteSweepResult struct {
	RunID        string `json:"run_id"`
	Removed      int    `json:"removed"`
	PrunedClaims int    `json:"pruned_claims"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

// remoteSweep triggers a sweep through the gateway admin endpoint, which
// reaches caches that live in the gateway process.
func (c *ctl) remoteSweep(ctx context.Context, out io.Writer) error {
	base := strings.TrimRight(strings.TrimSpace(c.cfg.ChatURL), "/")
	if base == "" {
		return fmt.Errorf("chat url is required")
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.GRPCRequest)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/admin/sweep", nil)
	if err != nil {
		return fmt.Errorf("build sweep request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request sweep: %w", err)
	}
	defer resp.Body.Close()

	var res remoteSweepResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("decode sweep response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chat sweep failed (%s %s): %s", resp.Status, res.Code, res.Message)
	}
	fmt.Fprintf(out, "run %s removed %s duplicate records and pruned %s claims\n",
		res.RunID,
		humanize.Comma(int64(res.Removed)),
		humanize.Comma(int64(res.PrunedClaims)),
	)
	return nil
}

func (c *ctl) openCache(ctx context.Context) (storage.Store, error) {
	switch strings.ToLower(strings.TrimSpace(c.cfg.Backend)) {
	case "", "sqlite":
		store, err := sqlite.Open(ctx, c.cfg.DBPath, storage.Options{})
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return store, nil
	case "pebble":
		store, err := pebble.Open(c.cfg.PebbleDir, storage.Options{})
		if err != nil {
			return nil, fmt.Errorf("open pebble cache: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", c.cfg.Backend)
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
