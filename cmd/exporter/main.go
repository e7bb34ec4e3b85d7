package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-confluence-export/config"
	"github.com/aluiziolira/go-confluence-export/confluence"
	"github.com/aluiziolira/go-confluence-export/fetcher"
	"github.com/aluiziolira/go-confluence-export/models"
	"github.com/aluiziolira/go-confluence-export/pipeline"
)

func main() {
	_ = godotenv.Load()

	defaultCfg := config.DefaultConfig()
	baseURLDefault := ""
	if value, ok := config.EnvString("CONFLUENCE_BASE_URL"); ok {
		baseURLDefault = value
	}
	spacesDefault := ""
	if value, ok := config.EnvString("CONFLUENCE_SPACE_KEYS"); ok {
		spacesDefault = value
	}
	delayDefault := 0
	if value, ok, err := config.EnvInt("REQUEST_DELAY"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid REQUEST_DELAY: %v\n", err)
		os.Exit(1)
	} else if ok {
		delayDefault = value
	}
	outputDefault := defaultCfg.OutputDir
	if value, ok := config.EnvString("EXPORTER_OUTPUT"); ok {
		outputDefault = value
	}
	metricsDefault := ""
	if value, ok := config.EnvString("EXPORTER_METRICS_ADDR"); ok {
		metricsDefault = value
	}
	insecureDefault := defaultCfg.InsecureTLS
	if value, ok, err := config.EnvBool("CONFLUENCE_INSECURE_TLS"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid CONFLUENCE_INSECURE_TLS: %v\n", err)
		os.Exit(1)
	} else if ok {
		insecureDefault = value
	}

	baseURL := flag.String("base-url", baseURLDefault, "Confluence base URL (e.g. https://confluence.example.com)")
	spaces := flag.String("spaces", spacesDefault, "Comma-separated space keys to export")
	delaySeconds := flag.Int("delay", delayDefault, "Delay between requests (seconds)")
	pageSize := flag.Int("page-size", defaultCfg.PageSize, "Pages requested per API call (1-100)")
	maxRetries := flag.Int("max-retries", defaultCfg.MaxRetries, "Maximum retry attempts per request")
	retryBackoffMs := flag.Int("retry-backoff", int(defaultCfg.RetryBackoff.Milliseconds()), "Initial retry backoff (milliseconds)")
	retryBackoffMaxMs := flag.Int("retry-backoff-max", int(defaultCfg.RetryBackoffMax.Milliseconds()), "Maximum retry backoff (milliseconds)")
	timeoutSeconds := flag.Int("timeout", int(defaultCfg.Timeout.Seconds()), "HTTP request timeout (seconds)")
	insecureTLS := flag.Bool("insecure-tls", insecureDefault, "Skip TLS certificate verification")
	outputDir := flag.String("output", outputDefault, "Output directory")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg := defaultCfg
	cfg.BaseURL = strings.TrimRight(*baseURL, "/")
	cfg.SpaceKeys = config.ParseSpaceKeys(*spaces)
	cfg.RequestDelay = time.Duration(*delaySeconds) * time.Second
	cfg.PageSize = *pageSize
	cfg.MaxRetries = *maxRetries
	cfg.RetryBackoff = time.Duration(*retryBackoffMs) * time.Millisecond
	cfg.RetryBackoffMax = time.Duration(*retryBackoffMaxMs) * time.Millisecond
	cfg.Timeout = time.Duration(*timeoutSeconds) * time.Second
	cfg.InsecureTLS = *insecureTLS
	cfg.OutputDir = *outputDir
	cfg.MetricsAddr = *metricsAddr
	cfg.Verbose = *verbose
	cfg.APIToken = resolveToken()

	if cfg.APIToken == "" {
		slog.Error("no API token provided")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("starting export",
		slog.String("base_url", cfg.BaseURL),
		slog.String("spaces", strings.Join(cfg.SpaceKeys, ",")),
		slog.Duration("delay", cfg.RequestDelay),
	)

	client, err := confluence.NewClient(cfg)
	if err != nil {
		slog.Error("initialising client", slog.Any("error", err))
		os.Exit(1)
	}

	writer, err := pipeline.NewSpaceWriter(cfg.OutputDir)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
		}
	}()

	pipe, err := pipeline.NewPipeline(writer, cfg)
	if err != nil {
		slog.Error("creating pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(client.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	pipe.Start(1)
	if cfg.Verbose {
		pipe.StartMetricsReporting(10 * time.Second)
	}

	startTime := time.Now()
	f := fetcher.New(cfg, client, writer, pipe)
	result, err := f.Run(ctx)
	if err != nil {
		slog.Error("export failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := pipe.Close(); err != nil {
		slog.Error("pipeline shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := writer.Validate(); err != nil {
		slog.Error("output validation failed", slog.Any("error", err))
		os.Exit(1)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(result, time.Since(startTime), cfg.OutputDir)
}

// resolveToken resolves the bearer credential: environment first, then an
// interactive prompt. The core packages only ever see the resolved string.
func resolveToken() string {
	if token, ok := config.EnvString("CONFLUENCE_API_TOKEN"); ok && token != "" {
		return token
	}

	fmt.Fprint(os.Stderr, "Enter Confluence API token: ")
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

func printSummary(result *models.ExportResult, duration time.Duration, outputDir string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Export complete")

	fmt.Printf("  Spaces:        %d\n", result.SpaceCount)
	fmt.Printf("  Pages:         %d\n", result.PageCount)
	fmt.Printf("  Failed:        %d\n", result.FailedCount)
	fmt.Printf("  Requests:      %d\n", result.RequestCount)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	for _, summary := range result.Summaries {
		fmt.Printf("  [%s]           %d/%d pages", summary.SpaceKey, summary.Succeeded, summary.Attempted)
		if summary.Failed > 0 {
			fmt.Printf(" (%d failed)", summary.Failed)
		}
		fmt.Println()
	}
	pagesPerSec := 0.0
	if duration.Seconds() > 0 {
		pagesPerSec = float64(result.PageCount) / duration.Seconds()
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Pages/sec:     %.2f\n", pagesPerSec)
	fmt.Printf("  Output dir:    %s\n", outputDir)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
