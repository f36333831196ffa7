package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mrled/hedgesite/internal/config"
	"github.com/mrled/hedgesite/internal/deployerr"
)

var version = "dev"

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1 // some objects or operations failed
	exitFatal  = 2 // usage, configuration or fatal error
)

var (
	// Global flags
	cfgFile   string
	region    string
	logLevel  string
	logFormat string

	// sync flags
	syncPrefix         string
	syncDistributionID string
	syncDryRun         bool
	syncConcurrency    int

	// reconcile flags
	reconcileTimeout string
	reconcileDryRun  bool

	// invalidate flags
	invalidateTimeout string
)

func main() {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil {
		reportError(err)
	}
	cancel()
	os.Exit(code)
}

var rootCmd = &cobra.Command{
	Use:   "hedgesite",
	Short: "Deploy a static site to S3 and CloudFront",
	Long: `hedgesite synchronizes a local site directory to an S3 bucket, keeps a
CloudFront distribution's settings in line with a declared configuration,
and invalidates exactly the paths that changed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync <localDir> <bucket>",
	Short: "Upload changed files, delete removed ones, and invalidate them",
	Long: `Sync hashes every file under localDir, compares it with the objects in the
bucket, uploads what is new or changed and deletes what no longer exists.

When a distribution is configured the changed paths are invalidated
afterwards. When a redirects key value store is configured the redirect
table is mirrored into it.`,
	Args: cobra.ExactArgs(2),
	RunE: runSync,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <distributionId> <configFile>",
	Short: "Apply the declared distribution settings",
	Long: `Reconcile compares the [distribution] table of configFile with the live
CloudFront configuration, prints the differences, applies them and waits for
the distribution to deploy.`,
	Args: cobra.ExactArgs(2),
	RunE: runReconcile,
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <distributionId> <path>...",
	Short: "Invalidate paths and wait for completion",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runInvalidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "hedgesite %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "config file")
	rootCmd.PersistentFlags().StringVar(&region, "region", "", "AWS region override")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json, logfmt)")

	syncCmd.Flags().StringVar(&syncPrefix, "prefix", "", "key prefix inside the bucket")
	syncCmd.Flags().StringVar(&syncDistributionID, "distribution-id", "", "CloudFront distribution to invalidate")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().IntVar(&syncConcurrency, "concurrency", 0, "concurrent object operations")

	reconcileCmd.Flags().StringVar(&reconcileTimeout, "timeout", "", "how long to wait for deployment (e.g. 15m)")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "print the differences without applying them")

	invalidateCmd.Flags().StringVar(&invalidateTimeout, "timeout", "", "how long to wait for each invalidation (e.g. 15m)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(invalidateCmd)
	rootCmd.AddCommand(versionCmd)
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var partial *deployerr.PartialSyncFailure
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &partial),
		errors.Is(err, deployerr.ErrReconcileTimeout),
		errors.Is(err, deployerr.ErrReconcileFailed),
		errors.Is(err, deployerr.ErrInvalidationTimeout):
		return exitFailed
	default:
		return exitFatal
	}
}

// reportError prints one line per failed object, or the error itself.
func reportError(err error) {
	if multi, ok := err.(deployerr.Multi); ok {
		for _, e := range multi {
			reportError(e)
		}
		return
	}

	var partial *deployerr.PartialSyncFailure
	if errors.As(err, &partial) {
		for _, f := range partial.Failures {
			fmt.Fprintf(os.Stderr, "failed: %s\n", f)
		}
		fmt.Fprintf(os.Stderr, "%d of %d object operations failed\n", len(partial.Failures), partial.Attempted)
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
