// Package deadletter holds the sinks that receive entries the publisher gave
// up on.
package deadletter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benschg/rasperature/internal/adapters/sink"
	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

const (
	KindFile  = "file"
	KindKafka = "kafka"
	KindLog   = "log"
)

type Config struct {
	Kind string     `yaml:"kind"`
	File FileConfig `yaml:"file"`
}

type FileConfig struct {
	Path string `yaml:"path"`
}

func (c *Config) ApplyDefaults() {
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	if c.Kind == "" {
		c.Kind = KindFile
	}
	if c.File.Path == "" {
		c.File.Path = "./data/dead-letter.jsonl"
	}
}

func (c *Config) Validate() error {
	switch c.Kind {
	case KindFile:
		if c.File.Path == "" {
			return fmt.Errorf("dead_letter.file.path is required")
		}
	case KindKafka, KindLog:
	default:
		return fmt.Errorf("unknown dead_letter kind %q", c.Kind)
	}
	return nil
}

// New builds the sink selected by cfg.Kind. The log kind returns nil: the
// publisher reports dead-lettered entries through Observability either way.
// The kafka kind writes to the endpoint's DLQ topic.
func New(cfg Config, kafka sink.KafkaConfig) (ports.DeadLetter, error) {
	switch cfg.Kind {
	case KindFile:
		f, err := OpenFile(cfg.File.Path)
		if err != nil {
			return nil, err
		}
		return f, nil
	case KindKafka:
		return sink.NewKafkaDeadLetter(kafka), nil
	case KindLog:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown dead_letter kind %q", cfg.Kind)
	}
}

// File appends one JSON record per entry and fsyncs before Route returns.
type File struct {
	mu  sync.Mutex
	f   *os.File
	now func() time.Time
}

func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{f: f, now: time.Now}, nil
}

func (d *File) Route(_ context.Context, entries []*domain.QueueEntry, reason error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return fmt.Errorf("dead-letter file closed")
	}

	now := d.now()
	w := bufio.NewWriter(d.f)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(ports.NewDeadLetterRecord(e, reason, now)); err != nil {
			return fmt.Errorf("encode dead-letter record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return d.f.Sync()
}

func (d *File) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

var _ ports.DeadLetter = (*File)(nil)
