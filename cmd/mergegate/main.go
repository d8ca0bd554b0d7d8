package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/mergegate/pkg/cache"
	"github.com/zen-systems/mergegate/pkg/config"
	"github.com/zen-systems/mergegate/pkg/gate"
	"github.com/zen-systems/mergegate/pkg/pipeline"
	"github.com/zen-systems/mergegate/pkg/provision"
)

var (
	cacheDirFlag string
	noCacheFlag  bool
	verboseFlag  bool
)

func main() {
	// SIGINT/SIGTERM cancel the run context so in-flight gates are
	// terminated and started services released before exit.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "mergegate",
		Short: "CI gate pipeline with cached provisioning and service dependencies",
		Long: `Mergegate provisions a reproducible build/test environment (toolchains,
	binary blobs, service containers) and runs a set of independent quality
	gates against it. The aggregated pass/fail verdict is the exit status,
	suitable for merge gating.`,
	}

	rootCmd.PersistentFlags().StringVar(&cacheDirFlag, "cache-dir", "", "override the local artifact cache directory")
	rootCmd.PersistentFlags().BoolVar(&noCacheFlag, "no-cache", false, "disable the artifact cache entirely")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(ensureCmd())
	rootCmd.AddCommand(gatesCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var workdir string
	var reportDir string

	cmd := &cobra.Command{
		Use:   "run [pipeline.yaml]",
		Short: "Run the gate pipeline and exit non-zero on failure",
		Long: `Runs every gate in the manifest concurrently. Artifacts are provisioned
	through the cache, service dependencies are started and health-checked
	first, and all per-gate outcomes are reported even when some gates fail.
	The command fails iff at least one fatal-policy gate fails.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			manifest, err := pipeline.LoadManifest(args[0])
			if err != nil {
				return fmt.Errorf("failed to load manifest: %w", err)
			}

			backend, err := buildBackend(cfg, logger)
			if err != nil {
				return err
			}

			if reportDir == "" {
				reportDir = cfg.ReportDir
			}
			result, err := pipeline.Run(cmd.Context(), manifest, pipeline.RunOptions{
				Workdir:      workdir,
				ReportDir:    reportDir,
				ManifestPath: args[0],
				Backend:      backend,
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			printOutcomes(result)
			if !result.Passed {
				return fmt.Errorf("pipeline %s failed", manifest.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workdir, "workdir", "", "directory the gates run in (default current directory)")
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "directory for run report bundles")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [pipeline.yaml]",
		Short: "Validate a pipeline manifest without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			manifest, err := pipeline.LoadManifest(args[0])
			if err != nil {
				return fmt.Errorf("failed to load manifest: %w", err)
			}
			if err := manifest.Validate(nil); err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d gates, %d services, %d artifacts)\n",
				args[0], len(manifest.Gates), len(manifest.Services), len(manifest.Artifacts))
			return nil
		},
	}
}

func ensureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ensure [pipeline.yaml] [artifact]",
		Short: "Provision one artifact from the manifest and print its path",
		Long: `Looks the artifact up in the cache and fetches, unpacks and publishes
	it on a miss. Running ensure ahead of time warms the cache for later
	pipeline runs.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			manifest, err := pipeline.LoadManifest(args[0])
			if err != nil {
				return fmt.Errorf("failed to load manifest: %w", err)
			}

			var spec *provision.Spec
			for i := range manifest.Artifacts {
				if manifest.Artifacts[i].Name == args[1] {
					spec = &manifest.Artifacts[i]
					break
				}
			}
			if spec == nil {
				return fmt.Errorf("artifact %q not declared in %s", args[1], args[0])
			}

			backend, err := buildBackend(cfg, logger)
			if err != nil {
				return err
			}
			path, err := provision.New(backend, provision.WithLogger(logger)).Ensure(cmd.Context(), *spec)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
	return cmd
}

func gatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gates",
		Short: "List the builtin gates",
		RunE: func(_ *cobra.Command, _ []string) error {
			registry := gate.NewRegistry()
			names := registry.Names()
			sort.Strings(names)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPOLICY\tCOMMAND")
			for _, name := range names {
				b, err := registry.Get(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%v\n", b.Name, b.Policy.OrDefault(), b.Command)
			}
			return w.Flush()
		},
	}
}

func buildBackend(cfg *config.Config, logger *slog.Logger) (cache.Backend, error) {
	if noCacheFlag {
		return cache.Disabled{}, nil
	}
	dir := cfg.CacheDir
	if cacheDirFlag != "" {
		dir = cacheDirFlag
	}
	local, err := cache.NewDirBackend(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if !cfg.RemoteCache.Enabled() {
		return local, nil
	}
	remote, err := cache.NewObjectBackend(cfg.RemoteCache, local, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote cache: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := remote.EnsureBucket(ctx, cfg.RemoteCache.Region); err != nil {
		// The remote tier degrades to misses; the local cache still works.
		logger.Warn("remote cache bucket unavailable", "bucket", cfg.RemoteCache.Bucket, "error", err)
	}
	return remote, nil
}

func printOutcomes(result *pipeline.RunResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GATE\tPOLICY\tOUTCOME\tDETAIL")
	for _, o := range result.Outcomes {
		outcome := "pass"
		detail := ""
		if o.Failed() {
			outcome = "fail"
		}
		switch {
		case o.Err != nil:
			detail = o.Err.Error()
		case o.Result != nil && o.Result.Score != nil:
			detail = fmt.Sprintf("score %.2f", *o.Result.Score)
		case o.Result != nil && o.Result.ExitCode != 0:
			detail = fmt.Sprintf("exit %d", o.Result.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.Name, o.Policy, outcome, detail)
	}
	w.Flush()

	verdict := "PASS"
	if !result.Passed {
		verdict = "FAIL"
	}
	fmt.Printf("\nrun %s: %s\n", result.RunID, verdict)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verboseFlag {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
