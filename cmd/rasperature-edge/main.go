package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/benschg/rasperature"
	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

const defaultConfigPath = "./config.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "drain":
		err = drainCommand(os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	default:
		printUsage(os.Stderr)
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "rasperature-edge %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func runCommand(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", defaultConfigPath, "path to edge configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := rasperature.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return flow.Run(ctx)
}

func validateCommand(args []string) error {
	fs := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", defaultConfigPath, "path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := rasperature.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s ok: device=%s sensors=%d endpoint=%s buffer=%s(%s)\n",
		*cfgPath, cfg.Device.ID, len(cfg.Sensors), cfg.Endpoint.Kind, cfg.Buffer.Backend, cfg.Buffer.Dir)
	return nil
}

func statsCommand(args []string) error {
	fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	url := fs.String("url", "http://localhost:9100/stats", "runtime stats endpoint")
	interval := fs.Duration("interval", 2*time.Second, "refresh interval")
	once := fs.Bool("once", false, "print a single snapshot and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	if *once {
		return printStatsSnapshot(client, *url)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming stats from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printStatsSnapshot(client, *url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printStatsSnapshot(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	var s rasperature.RuntimeStats
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return fmt.Errorf("decode stats: %w", err)
	}

	last := "never"
	if !s.Publisher.LastBatchAt.IsZero() {
		last = s.Publisher.LastBatchAt.Format(time.RFC3339)
	}
	fmt.Printf("[%s] buffered=%d in_flight=%d evicted=%d delivered=%d failures=%d dead_lettered=%d suppressed=%d last_batch=%s\n",
		time.Now().Format(time.RFC3339),
		s.Buffer.Pending+s.Buffer.InFlight,
		s.Buffer.InFlight,
		s.Buffer.Evicted,
		s.Publisher.Delivered,
		s.Publisher.Failures,
		s.Publisher.DeadLettered,
		s.Suppressed,
		last,
	)
	return nil
}

// drainCommand prints the buffered entries as JSON lines. The buffer is
// opened read-only, so a running WAL-backed runtime is left untouched; a
// badger buffer must be stopped first.
func drainCommand(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("drain", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", defaultConfigPath, "path to edge configuration file")
	limit := fs.IntP("limit", "n", 0, "stop after this many entries (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := rasperature.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := rasperature.InspectEntryStore(cfg.Buffer)
	if err != nil {
		return err
	}
	defer store.Close()

	return printEntries(store, out, *limit)
}

type drainedEntry struct {
	domain.Envelope
	EntryID       domain.EntryID `json:"entry_id"`
	EnqueueTime   time.Time      `json:"enqueue_time"`
	AttemptCount  int            `json:"attempt_count"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
}

var errLimitReached = errors.New("limit reached")

func printEntries(store ports.EntryStore, out io.Writer, limit int) error {
	enc := json.NewEncoder(out)
	n := 0
	err := store.Load(func(e *domain.QueueEntry) error {
		if limit > 0 && n >= limit {
			return errLimitReached
		}
		d := drainedEntry{
			Envelope:     e.Envelope(),
			EntryID:      e.ID,
			EnqueueTime:  e.EnqueueTime,
			AttemptCount: e.AttemptCount,
		}
		if !e.NextAttemptAt.IsZero() {
			t := e.NextAttemptAt
			d.NextAttemptAt = &t
		}
		n++
		return enc.Encode(d)
	})
	if errors.Is(err, errLimitReached) {
		return nil
	}
	return err
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `rasperature edge CLI

Usage:
  rasperature-edge <command> [flags]

Commands:
  run        Start the edge runtime using the provided config
  validate   Load and validate a config file without starting the runtime
  stats      Poll the runtime /stats endpoint and print live counters
  drain      Print the entries held in the offline buffer as JSON lines

Examples:
  rasperature-edge run --config ./config.yaml
  rasperature-edge validate -c ./config.yaml
  rasperature-edge stats --url http://localhost:9100/stats --interval 1s
  rasperature-edge drain -c ./config.yaml -n 20
`)
}
