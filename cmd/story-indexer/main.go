package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mediacloud/story-indexer-sub000/pkg/archive"
	"github.com/mediacloud/story-indexer-sub000/pkg/blobstore"
	"github.com/mediacloud/story-indexer-sub000/pkg/fetcher"
	"github.com/mediacloud/story-indexer-sub000/pkg/log"
	"github.com/mediacloud/story-indexer-sub000/pkg/metrics"
	"github.com/mediacloud/story-indexer-sub000/pkg/mq"
	"github.com/mediacloud/story-indexer-sub000/pkg/queuer"
	"github.com/mediacloud/story-indexer-sub000/pkg/scoreboard"
	"github.com/mediacloud/story-indexer-sub000/pkg/tracker"
	"github.com/mediacloud/story-indexer-sub000/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "story-indexer",
	Short: "Story indexer - news content ingestion pipeline workers",
	Long: `Story indexer runs the workers of the news ingestion pipeline:
queuers that feed candidate article URLs from RSS feeds or CSV dumps,
the polite concurrent HTTP fetcher, and the WARC archiver.

Each worker consumes its RabbitMQ input queue and publishes downstream
in the same broker transaction as the input ack.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := applyConfigFile(cmd); err != nil {
			return err
		}
		level, _ := cmd.Flags().GetString("log-level")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		overrides, _ := cmd.Flags().GetStringSlice("log-override")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonLogs})
		log.SetOverrides(overrides)
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"story-indexer version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	pf := rootCmd.PersistentFlags()
	pf.String("rabbitmq-url", envOr("RABBITMQ_URL", "amqp://localhost:5672/"), "broker URL (env RABBITMQ_URL)")
	pf.String("log-level", "info", "log level (debug|info|warn|error)")
	pf.StringSlice("log-override", nil, "per-component level overrides, e.g. scoreboard=debug")
	pf.Bool("json-logs", false, "emit JSON logs instead of console output")
	pf.String("metrics-addr", "", "address for /metrics and /health (empty disables)")
	pf.String("deployment", "", "deployment name; wait for its configuration barrier before consuming")
	pf.Bool("from-quarantine", false, "consume the worker's quarantine queue instead of its input queue")
	pf.String("config", "", "YAML config file providing flag defaults")

	rootCmd.AddCommand(fetcherCmd)
	rootCmd.AddCommand(archiverCmd)
	rootCmd.AddCommand(rssQueuerCmd)
	rootCmd.AddCommand(csvQueuerCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// runContext cancels on SIGINT/SIGTERM
func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// dialBroker connects and builds the optional startup barrier
func dialBroker(cmd *cobra.Command) (*mq.Client, func(ctx context.Context) error, error) {
	url, _ := cmd.Flags().GetString("rabbitmq-url")
	client, err := mq.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	deployment, _ := cmd.Flags().GetString("deployment")
	var barrier func(ctx context.Context) error
	if deployment != "" {
		barrier = func(ctx context.Context) error {
			return client.WaitForBarrier(ctx, deployment, 5*time.Second)
		}
	}
	return client, barrier, nil
}

var fetcherCmd = &cobra.Command{
	Use:   "fetcher",
	Short: "Run the polite concurrent HTTP fetcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		slotRequests, _ := cmd.Flags().GetInt("slot-requests")
		issueInterval, _ := cmd.Flags().GetDuration("issue-interval")
		connRetry, _ := cmd.Flags().GetInt("conn-retry-seconds")
		maxActive, _ := cmd.Flags().GetInt("max-active")
		fromQuarantine, _ := cmd.Flags().GetBool("from-quarantine")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		client, barrier, err := dialBroker(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		sb := scoreboard.New(scoreboard.Config{
			MaxActive:         maxActive,
			TargetConcurrency: slotRequests,
			ConnRetry:         time.Duration(connRetry) * time.Second,
			MinInterval:       issueInterval,
		})
		f := fetcher.New(fetcher.Config{Scoreboard: sb})

		w, err := worker.New(worker.Config{
			Name:           "fetcher",
			Transport:      client,
			Handler:        f,
			Workers:        workers,
			NoQuarantine:   fetcher.NoQuarantineKinds,
			FromQuarantine: fromQuarantine,
			Barrier:        barrier,
		})
		if err != nil {
			return err
		}

		ctx, stop := runContext()
		defer stop()
		metrics.Serve(metricsAddr)
		go f.RunPeriodic(ctx)
		return w.Run(ctx)
	},
}

var archiverCmd = &cobra.Command{
	Use:   "archiver",
	Short: "Run the WARC archiver batch sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		batchSeconds, _ := cmd.Flags().GetInt("batch-seconds")
		archiveDir, _ := cmd.Flags().GetString("archive-dir")
		archivePrefix, _ := cmd.Flags().GetString("archive-prefix")
		storeURLs, _ := cmd.Flags().GetStringArray("store")
		fromQuarantine, _ := cmd.Flags().GetBool("from-quarantine")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		ctx, stop := runContext()
		defer stop()

		var stores []blobstore.Store
		for _, raw := range storeURLs {
			store, err := blobstore.Open(ctx, raw, "ARCHIVER")
			if err != nil {
				return err
			}
			stores = append(stores, store)
		}

		a, err := archive.New(archive.Config{
			Dir:    archiveDir,
			Prefix: archivePrefix,
			Stores: stores,
		})
		if err != nil {
			return err
		}

		client, barrier, err := dialBroker(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		w, err := worker.New(worker.Config{
			Name:           "archiver",
			Transport:      client,
			BatchHandler:   a,
			BatchSize:      batchSize,
			BatchSeconds:   time.Duration(batchSeconds) * time.Second,
			FromQuarantine: fromQuarantine,
			Barrier:        barrier,
		})
		if err != nil {
			return err
		}

		metrics.Serve(metricsAddr)
		return w.Run(ctx)
	},
}

var rssQueuerCmd = &cobra.Command{
	Use:   "rss-queuer FEED...",
	Short: "Queue stories from RSS or Atom feed files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQueuer(cmd, "rss-queuer", args, (*queuer.Queuer).QueueRSSFile)
	},
}

var csvQueuerCmd = &cobra.Command{
	Use:   "csv-queuer FILE...",
	Short: "Queue stories from header-mapped CSV dumps",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQueuer(cmd, "csv-queuer", args, (*queuer.Queuer).QueueCSVFile)
	},
}

// runQueuer drives one queuer run over the input files
func runQueuer(cmd *cobra.Command, name string, paths []string, queueFile func(*queuer.Queuer, string) error) error {
	maxStories, _ := cmd.Flags().GetInt("max-stories")
	trackerPath, _ := cmd.Flags().GetString("tracker-path")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	client, _, err := dialBroker(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	var tr *tracker.Tracker
	if trackerPath != "" {
		tr, err = tracker.New(trackerPath)
		if err != nil {
			return err
		}
		defer tr.Close()
	}

	metrics.Serve(metricsAddr)
	q := queuer.New(queuer.Config{
		Name:       name,
		Transport:  client,
		Tracker:    tr,
		MaxStories: maxStories,
	})
	for _, path := range paths {
		if err := queueFile(q, path); err != nil {
			return err
		}
	}
	log.Logger.Info().Str("queuer", name).Int("queued", q.Queued()).Msg("queuer run complete")
	return nil
}

func init() {
	fetcherCmd.Flags().Int("workers", 32, "processing goroutines")
	fetcherCmd.Flags().Int("slot-requests", scoreboard.DefaultTargetConcurrency, "per-origin concurrent request ceiling")
	fetcherCmd.Flags().Duration("issue-interval", 0, "minimum per-origin spacing between requests")
	fetcherCmd.Flags().Int("conn-retry-seconds", 600, "origin cooldown after a connect failure")
	fetcherCmd.Flags().Int("max-active", scoreboard.DefaultMaxActive, "total concurrent fetch ceiling")

	archiverCmd.Flags().Int("batch-size", 100, "stories per archive batch")
	archiverCmd.Flags().Int("batch-seconds", 300, "max wall-clock seconds per batch")
	archiverCmd.Flags().String("archive-dir", "archives", "local spool directory")
	archiverCmd.Flags().String("archive-prefix", "mc", "archive filename prefix")
	archiverCmd.Flags().StringArray("store", nil, "blob store URL scheme://bucket/prefix (repeatable)")

	for _, c := range []*cobra.Command{rssQueuerCmd, csvQueuerCmd} {
		c.Flags().Int("max-stories", 0, "stop after queueing this many stories (0 = unlimited)")
		c.Flags().String("tracker-path", "", "bbolt file for cross-run URL dedup (empty disables)")
	}
}
