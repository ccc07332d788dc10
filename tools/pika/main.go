package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const version = "0.2.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "load":
		runLoad(args)
	case "run":
		runBenchmark(args)
	case "verify":
		runVerify(args)
	case "version":
		fmt.Printf("pika version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`pika - shardkeeper load generator

Usage:
  pika <command> [options]

Commands:
  load      Insert records through the routers
  run       Run a mixed workload through the routers
  verify    Check that every router sees the same documents
  version   Print version
  help      Show this help

Common Options:
  --hosts         Comma-separated router host:port pairs (default: 127.0.0.1:27020)
  --ns            Target namespace, db.collection (default: pika.usertable)
  --secret        Cluster secret sent with every call
  --time-limit    Maximum time to run (e.g., 30s, 1m)

Load Options:
  --records       Number of records to load (default: 10000)
  --threads       Number of concurrent workers (default: 10)
  --batch-size    Inserts per transaction (default: 1 = retryable writes)

Run Options:
  --workload      mixed|write-only|read-only|update-heavy (default: mixed)
  --operations    Total operations to execute (default: 50000)
  --duration      Duration to run (e.g., 60s), overrides --operations
  --threads       Number of concurrent workers (default: 20)
  --read-pct, --update-pct, --insert-pct, --delete-pct, --upsert-pct
                  Override the workload distribution
  --batch-size    Operations per transaction (default: 1 = retryable writes)
  --retry         Retry stale, conflicting and transient failures (default: true)
  --max-retries   Maximum retry attempts (default: 3)
  --insert-overlap % of inserts reusing an existing key
  --verify        Run verification after the benchmark

Verify Options:
  --samples       Number of random documents to compare (default: 100)
  --timeout       Timeout per verification call (default: 30s)

The records carry the shard key field "k". Shard the namespace on {k: 1}
or {k: "hashed"} before loading to spread them across shards.

Examples:
  pika load --hosts=127.0.0.1:27020,127.0.0.1:27021 --records=10000
  pika run --hosts=127.0.0.1:27020 --workload=mixed --batch-size=5
  pika verify --hosts=127.0.0.1:27020,127.0.0.1:27021 --samples=100`)
}

// commonFlags registers the options every command shares.
func commonFlags(fs *flag.FlagSet, cfg *Config, timeLimit *time.Duration) {
	fs.StringVar(&cfg.Hosts, "hosts", "127.0.0.1:27020", "Comma-separated router host:port pairs")
	fs.StringVar(&cfg.NS, "ns", "pika.usertable", "Target namespace")
	fs.StringVar(&cfg.Secret, "secret", "", "Cluster secret")
	if timeLimit != nil {
		fs.DurationVar(timeLimit, "time-limit", 0, "Maximum time to run (e.g., 30s, 1m)")
	}
}

func parse(fs *flag.FlagSet, cfg *Config, args []string) {
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
}

// runContext is cancelled on SIGINT, SIGTERM or when timeLimit elapses.
func runContext(timeLimit time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if timeLimit <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeLimit)
	return ctx, func() {
		cancel()
		stop()
	}
}

func runLoad(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("load", flag.ExitOnError)

	var timeLimit time.Duration
	commonFlags(fs, cfg, &timeLimit)
	fs.IntVar(&cfg.Records, "records", 10000, "Number of records to load")
	fs.IntVar(&cfg.Threads, "threads", 10, "Number of concurrent workers")
	fs.IntVar(&cfg.BatchSize, "batch-size", 1, "Inserts per transaction (1 = retryable writes)")
	parse(fs, cfg, args)

	ctx, cancel := runContext(timeLimit)
	defer cancel()

	if err := executeLoad(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Load failed: %v\n", err)
		os.Exit(1)
	}
}

func runBenchmark(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	var timeLimit time.Duration
	commonFlags(fs, cfg, &timeLimit)
	fs.StringVar(&cfg.Workload, "workload", "mixed", "Workload type")
	fs.IntVar(&cfg.Operations, "operations", 50000, "Total operations to execute")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Duration to run (overrides --operations)")
	fs.IntVar(&cfg.Threads, "threads", 20, "Number of concurrent workers")
	fs.IntVar(&cfg.ReadPct, "read-pct", -1, "Read percentage (overrides workload)")
	fs.IntVar(&cfg.UpdatePct, "update-pct", -1, "Update percentage (overrides workload)")
	fs.IntVar(&cfg.InsertPct, "insert-pct", -1, "Insert percentage (overrides workload)")
	fs.IntVar(&cfg.DeletePct, "delete-pct", -1, "Delete percentage (overrides workload)")
	fs.IntVar(&cfg.UpsertPct, "upsert-pct", -1, "Upsert percentage (overrides workload)")
	fs.IntVar(&cfg.BatchSize, "batch-size", 1, "Operations per transaction (1 = retryable writes)")
	fs.BoolVar(&cfg.Retry, "retry", true, "Retry stale, conflicting and transient failures")
	fs.IntVar(&cfg.MaxRetries, "max-retries", 3, "Maximum retry attempts")
	fs.Float64Var(&cfg.InsertOverlap, "insert-overlap", 0, "% of inserts targeting existing keys (0-100)")
	fs.BoolVar(&cfg.Verify, "verify", false, "Run verification after the benchmark")
	fs.IntVar(&cfg.VerifySamples, "verify-samples", 100, "Number of random documents to verify")
	fs.DurationVar(&cfg.VerifyTimeout, "verify-timeout", 30*time.Second, "Timeout per verification call")
	parse(fs, cfg, args)

	ctx, cancel := runContext(timeLimit)
	defer cancel()

	if err := executeRun(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.Verify {
		verifyCtx, verifyCancel := runContext(0)
		defer verifyCancel()
		if err := executeVerify(verifyCtx, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
			os.Exit(1)
		}
	}
}

func runVerify(args []string) {
	cfg := &Config{Threads: 1}
	fs := flag.NewFlagSet("verify", flag.ExitOnError)

	commonFlags(fs, cfg, nil)
	fs.IntVar(&cfg.VerifySamples, "samples", 100, "Number of random documents to verify")
	fs.DurationVar(&cfg.VerifyTimeout, "timeout", 30*time.Second, "Timeout per verification call")
	parse(fs, cfg, args)

	ctx, cancel := runContext(0)
	defer cancel()

	if err := executeVerify(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Verify failed: %v\n", err)
		os.Exit(1)
	}
}
