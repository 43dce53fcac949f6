package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/streamforge/generator/pkg/coordinator"
	"github.com/malbeclabs/streamforge/generator/pkg/metrics"
	"github.com/malbeclabs/streamforge/generator/pkg/pipeline"
	"github.com/malbeclabs/streamforge/generator/pkg/runner"
	"github.com/malbeclabs/streamforge/generator/pkg/schema"
	"github.com/malbeclabs/streamforge/generator/pkg/server"
	"github.com/malbeclabs/streamforge/generator/pkg/sink"
	"github.com/malbeclabs/streamforge/utils/pkg/logger"
)

// Set by the linker.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Generation
	schemaDirFlag := flag.String("schema-dir", "schema", "directory holding one sub-directory of YAML schemas per domain (or set STREAMFORGE_SCHEMA_DIR env var)")
	domainFlag := flag.String("domain", "", "domain to generate; with serve, starts a run at startup (or set STREAMFORGE_DOMAIN env var)")
	intervalFlag := flag.Duration("interval", runner.DefaultInterval, "time between iterations (or set STREAMFORGE_INTERVAL env var)")
	maxDurationFlag := flag.Duration("max-duration", runner.DefaultMaxDuration, "run time limit (or set STREAMFORGE_MAX_DURATION env var)")
	seedFlag := flag.Uint64("seed", 0, "seed for reproducible runs, 0 = random (or set STREAMFORGE_SEED env var)")
	languageFlag := flag.String("language", "sql", "pipeline code language printed by --once: sql or python")

	// Output
	sinkFlag := flag.String("sink", sink.KindLocal, "output backend: local, s3, gcs or azure (or set STREAMFORGE_SINK env var)")
	outputFlag := flag.String("output", "output", "output directory of the local sink (or set STREAMFORGE_OUTPUT env var)")
	prefixFlag := flag.String("prefix", "", "key prefix inside the bucket or container of remote sinks (or set STREAMFORGE_PREFIX env var)")
	formatFlag := flag.String("format", string(sink.FormatCSV), "output file format: csv or json (or set STREAMFORGE_FORMAT env var)")

	s3BucketFlag := flag.String("s3-bucket", "", "S3 bucket (or set STREAMFORGE_S3_BUCKET env var)")
	s3RegionFlag := flag.String("s3-region", "", "S3 region (or set AWS_REGION env var)")
	s3EndpointFlag := flag.String("s3-endpoint", "", "S3 endpoint override, e.g. MinIO (or set STREAMFORGE_S3_ENDPOINT env var)")
	s3PathStyleFlag := flag.Bool("s3-path-style", false, "use path-style S3 addressing (or set STREAMFORGE_S3_PATH_STYLE=true env var)")

	gcsBucketFlag := flag.String("gcs-bucket", "", "GCS bucket (or set STREAMFORGE_GCS_BUCKET env var)")
	gcsCredentialsFlag := flag.String("gcs-credentials-file", "", "GCS service account key file (or set GOOGLE_APPLICATION_CREDENTIALS env var)")

	azureContainerFlag := flag.String("azure-container", "", "Azure blob container (or set STREAMFORGE_AZURE_CONTAINER env var)")
	azureConnFlag := flag.String("azure-connection-string", "", "Azure storage connection string (or set AZURE_STORAGE_CONNECTION_STRING env var)")

	// Server
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP API listen address (or set STREAMFORGE_LISTEN_ADDR env var)")
	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN for iteration failure reports (or set SENTRY_DSN env var)")

	// Commands
	listDomainsFlag := flag.Bool("list-domains", false, "print the available domains and exit")
	onceFlag := flag.Bool("once", false, "run --iterations iterations of --domain, print the pipeline code and exit")
	iterationsFlag := flag.Int("iterations", 1, "number of iterations run by --once")

	flag.Parse()

	envString("STREAMFORGE_SCHEMA_DIR", schemaDirFlag)
	envString("STREAMFORGE_DOMAIN", domainFlag)
	envString("STREAMFORGE_SINK", sinkFlag)
	envString("STREAMFORGE_OUTPUT", outputFlag)
	envString("STREAMFORGE_PREFIX", prefixFlag)
	envString("STREAMFORGE_FORMAT", formatFlag)
	envString("STREAMFORGE_S3_BUCKET", s3BucketFlag)
	envString("AWS_REGION", s3RegionFlag)
	envString("STREAMFORGE_S3_ENDPOINT", s3EndpointFlag)
	envString("STREAMFORGE_GCS_BUCKET", gcsBucketFlag)
	envString("GOOGLE_APPLICATION_CREDENTIALS", gcsCredentialsFlag)
	envString("STREAMFORGE_AZURE_CONTAINER", azureContainerFlag)
	envString("AZURE_STORAGE_CONNECTION_STRING", azureConnFlag)
	envString("STREAMFORGE_LISTEN_ADDR", listenAddrFlag)
	envString("SENTRY_DSN", sentryDSNFlag)
	if os.Getenv("STREAMFORGE_S3_PATH_STYLE") == "true" {
		*s3PathStyleFlag = true
	}
	if err := envDuration("STREAMFORGE_INTERVAL", intervalFlag); err != nil {
		return err
	}
	if err := envDuration("STREAMFORGE_MAX_DURATION", maxDurationFlag); err != nil {
		return err
	}
	if v := os.Getenv("STREAMFORGE_SEED"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid STREAMFORGE_SEED: %w", err)
		}
		*seedFlag = seed
	}

	log := logger.New(*verboseFlag)

	if *listDomainsFlag {
		return listDomains(os.Stdout, *schemaDirFlag)
	}

	format, err := sink.ParseFormat(*formatFlag)
	if err != nil {
		return err
	}
	lang, err := pipeline.ParseLanguage(*languageFlag)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := sink.OpenStore(ctx, sink.StoreConfig{
		Kind:      *sinkFlag,
		LocalRoot: *outputFlag,
		S3: sink.S3Config{
			Bucket:    *s3BucketFlag,
			Prefix:    *prefixFlag,
			Region:    *s3RegionFlag,
			Endpoint:  *s3EndpointFlag,
			PathStyle: *s3PathStyleFlag,
		},
		GCS: sink.GCSConfig{
			Bucket:          *gcsBucketFlag,
			Prefix:          *prefixFlag,
			CredentialsFile: *gcsCredentialsFlag,
		},
		Azure: sink.AzureBlobConfig{
			ConnectionString: *azureConnFlag,
			Container:        *azureContainerFlag,
			Prefix:           *prefixFlag,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open %s sink: %w", *sinkFlag, err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Error("failed to close sink", "error", err)
		}
	}()

	sk, err := sink.New(sink.Config{Logger: log, Store: store, Format: format})
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	coord, err := coordinator.New(coordinator.Config{
		Logger:    log,
		SchemaDir: *schemaDirFlag,
		Sink:      sk,
		Seed:      *seedFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	emitter := pipeline.NewEmitter(log)

	if *onceFlag {
		if *domainFlag == "" {
			return errors.New("--domain is required for --once")
		}
		if *iterationsFlag < 1 {
			return errors.New("--iterations must be at least 1")
		}
		return runOnce(ctx, log, onceConfig{
			coord:      coord,
			emitter:    emitter,
			sink:       sk,
			domain:     *domainFlag,
			iterations: *iterationsFlag,
			interval:   *intervalFlag,
			language:   lang,
			out:        os.Stdout,
		})
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	onError := func(domain string, err error) {}
	if *sentryDSNFlag != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: *sentryDSNFlag, Release: version}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		onError = func(domain string, err error) {
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("domain", domain)
				sentry.CaptureException(err)
			})
		}
	}

	r, err := runner.New(runner.Config{
		Logger:      log,
		Coordinator: coord,
		Emitter:     emitter,
		Locate:      sk.TableLocation,
		Format:      string(format),
		Interval:    *intervalFlag,
		MaxDuration: *maxDurationFlag,
		OnError:     onError,
	})
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:      log,
		ListenAddr:  *listenAddrFlag,
		SchemaDir:   *schemaDirFlag,
		Runner:      r,
		VersionInfo: server.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if *domainFlag != "" {
		if _, err := r.Start(ctx, runner.StartRequest{Domain: *domainFlag}); err != nil {
			return fmt.Errorf("failed to start run: %w", err)
		}
	}

	log.Info("streamforge: starting", "version", version, "sink", sk.Kind(), "format", format, "schema_dir", *schemaDirFlag)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		r.Shutdown()
		return nil
	})
	return g.Wait()
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

func listDomains(w io.Writer, schemaDir string) error {
	domains, err := schema.ListDomains(schemaDir)
	if err != nil {
		return err
	}
	for _, d := range domains {
		fmt.Fprintln(w, d)
	}
	return nil
}

type onceConfig struct {
	coord      *coordinator.Coordinator
	emitter    *pipeline.Emitter
	sink       *sink.Sink
	clock      clockwork.Clock
	domain     string
	iterations int
	interval   time.Duration
	language   pipeline.Language
	out        io.Writer
}

// runOnce runs a fixed number of iterations in the foreground and prints the pipeline code.
func runOnce(ctx context.Context, log *slog.Logger, cfg onceConfig) error {
	if cfg.clock == nil {
		cfg.clock = clockwork.NewRealClock()
	}
	if err := cfg.coord.CheckOutputEmpty(ctx, cfg.domain); err != nil {
		return err
	}
	cfg.coord.Reset(cfg.domain)

	var codes []pipeline.Code
	for i := range cfg.iterations {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-cfg.clock.After(cfg.interval):
			}
		}
		res, err := cfg.coord.RunIteration(ctx, cfg.domain)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
		for _, t := range res.Tables {
			if !t.Skipped {
				log.Info("streamforge: table written", "iteration", res.Iteration, "table", t.Table, "rows", t.Rows, "location", t.Location)
			}
		}
		if res.Iteration == 0 {
			codes, err = cfg.emitter.EmitDomain(res.Schemas, func(table string) string {
				return cfg.sink.TableLocation(cfg.domain, table)
			}, string(cfg.sink.Format()))
			if err != nil {
				return fmt.Errorf("failed to emit pipeline code: %w", err)
			}
		}
	}

	if cfg.language == pipeline.LanguagePython {
		fmt.Fprint(cfg.out, pipeline.PythonImports)
	}
	for _, c := range codes {
		fmt.Fprintln(cfg.out, c.For(cfg.language))
	}
	return nil
}
