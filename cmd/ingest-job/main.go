package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/ingest/internal/config"
	"github.com/lsm/ingest/internal/dlq"
	"github.com/lsm/ingest/internal/kafka"
	"github.com/lsm/ingest/internal/lag"
	"github.com/lsm/ingest/internal/observability"
	"github.com/lsm/ingest/internal/pipeline"
	"github.com/lsm/ingest/internal/route"
	sinkkafka "github.com/lsm/ingest/internal/sink/kafka"
	kafkasource "github.com/lsm/ingest/internal/source/kafka"
	"github.com/lsm/ingest/internal/tracing"
)

const lagInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	level := new(slog.LevelVar)
	level.Set(observability.GetLogLevel(""))
	logger := observability.NewLogger("ingest-job", level)
	slog.SetDefault(logger)

	configPath := os.Getenv("INGEST_CONFIG")
	if configPath == "" {
		configPath = "/etc/ingest/job.yaml"
	}

	metricsAddr := os.Getenv("INGEST_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}

	// Load configuration
	loader := config.NewLoader(configPath, logger)
	def, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	health := observability.NewHealthServer(def.Name)

	httpServer := &http.Server{Addr: metricsAddr, Handler: health.Mux(reg)}
	go func() {
		logger.Info("metrics server starting", "addr", metricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	traceCfg := tracing.GetConfig("ingest-job")
	traceCfg.JobName = def.Name
	tracer, shutdownTracing, err := tracing.Initialize(traceCfg, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A changed definition replaces any reload still pending.
	reload := make(chan *config.JobDefinition, 1)
	loader.OnChange(func(next *config.JobDefinition) {
		select {
		case <-reload:
		default:
		}
		reload <- next
	})

	watchDone := make(chan struct{})
	go func() {
		if err := loader.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	deps := jobDeps{logger: logger, level: level, metrics: metrics, tracer: tracer, health: health}
	runErr := supervise(ctx, def, reload, deps)

	// Graceful shutdown
	health.SetReady(false)
	close(watchDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

type jobDeps struct {
	logger  *slog.Logger
	level   *slog.LevelVar
	metrics *observability.Metrics
	tracer  trace.Tracer
	health  *observability.HealthServer
}

// supervise runs def until ctx is done or the job fails. A reloaded
// definition stops the running job after its current batch and starts the
// new one; if the new one cannot be built the previous one is restarted.
func supervise(ctx context.Context, def *config.JobDefinition, reload <-chan *config.JobDefinition, deps jobDeps) error {
	logger := deps.logger

	r, err := buildJob(def, deps)
	if err != nil {
		return fmt.Errorf("build job %s: %w", def.Name, err)
	}
	for {
		jobCtx, cancelJob := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- r.job.Run(jobCtx) }()
		go r.lag.Run(jobCtx)
		deps.health.SetReady(true)
		logger.Info("job started", "job", def.Name, "group", kafkasource.ConsumerGroupID(def.Name))

		var next *config.JobDefinition
		select {
		case err = <-done:
		case next = <-reload:
			logger.Info("job definition changed, restarting", "job", def.Name, "next", next.Name)
			cancelJob()
			err = <-done
		}
		cancelJob()
		deps.health.SetReady(false)
		r.shutdown(logger)

		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if next == nil {
			return nil
		}

		if r, err = buildJob(next, deps); err == nil {
			def = next
			continue
		}
		logger.Error("new job definition does not build, keeping previous", "job", next.Name, "error", err)
		if r, err = buildJob(def, deps); err != nil {
			return fmt.Errorf("rebuild job %s: %w", def.Name, err)
		}
	}
}

type runningJob struct {
	job   *pipeline.Job
	lag   *lag.Reporter
	admin *kadm.Client
}

func (r *runningJob) shutdown(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.job.Shutdown(ctx); err != nil {
		logger.Error("job shutdown error", "error", err)
	}
	r.admin.Close()
}

func buildJob(def *config.JobDefinition, deps jobDeps) (*runningJob, error) {
	deps.level.Set(observability.JobLogLevel(def.LogLevel))
	logger := observability.JobLogger(deps.logger, def.Name, kafkasource.ConsumerGroupID(def.Name))

	desc, err := def.SourceDescriptor()
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	dec, err := def.Decoder()
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}

	// Build outputs; both share one producer.
	outDesc, err := def.OutputDescriptor()
	if err != nil {
		return nil, fmt.Errorf("outputs: %w", err)
	}
	pub, err := sinkkafka.NewPublisher(outDesc, def.OutputSecurity(), sinkkafka.WithRetry(def.OutputRetry()))
	if err != nil {
		return nil, fmt.Errorf("output publisher: %w", err)
	}
	records, err := sinkkafka.NewRecordSink(pub, sinkkafka.RecordConfig{
		JobName:   def.Name,
		Topic:     def.Outputs.SuccessTopic,
		EventType: def.Outputs.EventType,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("success output: %w", err)
	}
	records.SetTracer(deps.tracer)

	failures, err := sinkkafka.NewFailureSink(dlq.NewHandler(pub, dlq.WithTopic(def.FailureTopic())), logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("failure output: %w", err)
	}
	failures.SetTracer(deps.tracer)

	router, err := route.New(records, failures, dlq.NewBuilder(def.Name))
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("router: %w", err)
	}

	// Build source
	src, err := kafkasource.NewSource(kafkasource.Config{
		Descriptor:   desc,
		Security:     def.Source.Security,
		JobName:      def.Name,
		StartOffset:  def.Source.StartOffset,
		RateLimit:    def.Source.RateLimit,
		RateBurst:    def.Source.RateBurst,
		DrainTimeout: def.Source.DrainTimeout,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("kafka source: %w", err)
	}
	src.SetTracer(deps.tracer)

	job, err := pipeline.New(pipeline.Config{
		JobName:       def.Name,
		MaxPartitions: def.MaxPartitions,
	}, src, dec, router,
		pipeline.WithLogger(deps.logger),
		pipeline.WithMetrics(deps.metrics),
		pipeline.WithTracer(deps.tracer),
		pipeline.WithClosers(records, failures),
	)
	if err != nil {
		_ = src.Close()
		_ = pub.Close()
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	src.OnCommit(func(n int, err error) {
		job.ObserveCommit(n, err)
		if err == nil {
			deps.health.MarkCommitted(time.Now())
		}
	})

	// Lag is read through a separate admin connection to the source cluster.
	opts, err := kafka.ClientOptions(desc, def.Source.Security)
	if err != nil {
		_ = job.Shutdown(context.Background())
		return nil, fmt.Errorf("lag client options: %w", err)
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		_ = job.Shutdown(context.Background())
		return nil, fmt.Errorf("lag client: %w", err)
	}
	admin := kadm.NewClient(cl)
	reporter, err := lag.NewReporter(admin, def.Name, deps.metrics.ConsumerLag, lagInterval, logger)
	if err != nil {
		admin.Close()
		_ = job.Shutdown(context.Background())
		return nil, fmt.Errorf("lag reporter: %w", err)
	}

	return &runningJob{job: job, lag: reporter, admin: admin}, nil
}
