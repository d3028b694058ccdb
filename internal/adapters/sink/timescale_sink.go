package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

type TimescaleConfig struct {
	ConnString   string `yaml:"conn_string"`
	Table        string `yaml:"table"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

func (c *TimescaleConfig) applyDefaults() {
	if c.Table == "" {
		c.Table = "sensor_readings"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 4
	}
}

func (c *TimescaleConfig) validate() error {
	if c.ConnString == "" {
		return fmt.Errorf("conn_string is required")
	}
	return nil
}

const timescaleColumns = 11

// TimescaleSink inserts a batch in one statement. Rows already present for an
// idempotency key are skipped, so redelivery is harmless.
type TimescaleSink struct {
	db        *sql.DB
	tableName string
}

func NewTimescaleSink(db *sql.DB, table string) *TimescaleSink {
	return &TimescaleSink{db: db, tableName: table}
}

func (t *TimescaleSink) Name() string { return "timescaledb" }

func (t *TimescaleSink) Publish(ctx context.Context, batch []*domain.QueueEntry) error {
	if len(batch) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.tableName)
	b.WriteString(" (idempotency_key, sensor_id, sensor_type, device_id, customer_id, location, ts, status, error, error_count, readings) VALUES ")

	args := make([]any, 0, len(batch)*timescaleColumns)
	for i, e := range batch {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 1; c <= timescaleColumns; c++ {
			if c > 1 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", len(args)+c)
		}
		b.WriteString(")")

		env := e.Envelope()
		vals, err := json.Marshal(env.Readings)
		if err != nil {
			return ports.Permanent(fmt.Errorf("marshal readings: %w", err))
		}

		args = append(args,
			env.IdempotencyKey,
			env.SensorID,
			env.SensorType,
			env.DeviceID,
			env.CustomerID,
			env.Location,
			env.Timestamp,
			string(env.Status),
			env.Error,
			env.ErrorCount,
			vals,
		)
	}

	b.WriteString(" ON CONFLICT (idempotency_key) DO NOTHING")

	_, err := t.db.ExecContext(ctx, b.String(), args...)
	return classifyPQ(err)
}

func (t *TimescaleSink) Close() error { return t.db.Close() }

// classifyPQ treats data exceptions, integrity violations and syntax or
// access errors as permanent. Everything else may succeed on retry.
func classifyPQ(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return ports.Permanent(err)
		}
	}
	return ports.Transient(err)
}

var _ ports.Endpoint = (*TimescaleSink)(nil)
