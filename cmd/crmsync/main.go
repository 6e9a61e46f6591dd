package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"crmsync/internal/config"
	"crmsync/internal/metrics"
	"crmsync/internal/metrics/datadog"
	"crmsync/internal/metrics/prompush"
	"crmsync/internal/sched"
	"crmsync/internal/server"

	// register all backends with the warehouse factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "crmsync/internal/warehouse/all"
)

// main is the entry point for the sync binary. It loads the job config,
// optionally initializes a metrics backend, and either executes one run or
// starts the HTTP/cron trigger surfaces.
func main() {
	var (
		cfgPath  string
		validate bool
		once     bool
	)

	flag.StringVar(&cfgPath, "config", "configs/jobs/activity.json", "job config JSON path")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	flag.BoolVar(&once, "once", false, "execute one sync run and exit")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	// Local development convenience; a missing .env is not an error.
	if err := godotenv.Load(); err == nil && *verbose {
		log.Printf("config: loaded .env")
	}

	j, err := config.Load(cfgPath)
	if err != nil {
		fatalf("%v", err)
	}

	issues := config.ValidateJob(*j)
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		log.Printf("Configuration is invalid: %v", cfgPath)
		os.Exit(1)
	}
	if validate {
		log.Printf("Configuration is valid: %v", cfgPath)
		os.Exit(0)
	}

	setupMetrics(j, *verbose)
	defer func() {
		if err := metrics.Flush(); err != nil {
			log.Printf("metrics: flush error: %v", err)
		}
	}()

	ctx := context.Background()
	coord, closeFn, err := buildCoordinator(ctx, j)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeFn()

	if once || (j.Listen == "" && j.Schedule == "") {
		start := time.Now()
		res, err := coord.Run(ctx)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
		if err != nil {
			log.Fatalf("%v", err)
		}
		if *verbose {
			log.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
		}
		return
	}

	if j.Schedule != "" {
		s, err := sched.New(j.Job, j.Schedule, coord)
		if err != nil {
			fatalf("%v", err)
		}
		s.Start()
		defer s.Stop()
	}

	if j.Listen != "" {
		srv := server.NewServer(server.Config{Addr: j.Listen}, coord)
		log.Fatalf("%v", srv.ListenAndServe())
	}

	// Cron-only mode: block until killed.
	select {}
}

// setupMetrics installs the configured metrics backend. Backend failures
// degrade to the no-op backend rather than blocking the sync.
func setupMetrics(j *config.Job, verbose bool) {
	jobName := j.Job
	if jobName == "" {
		jobName = "crmsync"
	}

	switch j.Metrics.Kind {
	case "prometheus", "pushgateway":
		gwURL := j.Metrics.Options.String("gateway_url", "http://localhost:9091")
		b, err := prompush.NewBackend(jobName, gwURL)
		if err != nil {
			log.Printf("metrics: failed to init prom push backend: %v; using nop", err)
			return
		}
		log.Printf("metrics: url=%v, backend=%v, job_name=%v", gwURL, j.Metrics.Kind, jobName)
		metrics.SetBackend(b)

	case "datadog":
		b, err := datadog.NewBackend(datadog.Config{
			Addr:       j.Metrics.Options.String("addr", "127.0.0.1:8125"),
			Namespace:  j.Metrics.Options.String("namespace", "crmsync."),
			GlobalTags: j.Metrics.Options.StringSlice("tags"),
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return
		}
		metrics.SetBackend(b)

	case "", "none":
		if verbose {
			log.Printf("metrics: disabled (backend=%q)", j.Metrics.Kind)
		}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", j.Metrics.Kind)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
