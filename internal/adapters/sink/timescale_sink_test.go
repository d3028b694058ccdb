package sink

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

func testEntry(id domain.EntryID, sensor string, ts time.Time, values map[string]float64) *domain.QueueEntry {
	r := &domain.Reading{
		SensorID:   sensor,
		SensorType: "BME280",
		DeviceID:   "rpi_001",
		CustomerID: "customer_001",
		Timestamp:  ts,
		Values:     values,
		Status:     domain.StatusOK,
	}
	e := domain.NewQueueEntry(r, ts)
	e.ID = id
	return e
}

func TestTimescaleSinkPublish(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "sensor_readings")
	ts := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	e := testEntry(1, "bme", ts, map[string]float64{"temperature": 22.5})

	expectedQuery := regexp.QuoteMeta("INSERT INTO sensor_readings (idempotency_key, sensor_id, sensor_type, device_id, customer_id, location, ts, status, error, error_count, readings) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) ON CONFLICT (idempotency_key) DO NOTHING")
	mock.ExpectExec(expectedQuery).
		WithArgs(e.IdempotencyKey, "bme", "BME280", "rpi_001", "customer_001", "", ts, "ok", "", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := sink.Publish(context.Background(), []*domain.QueueEntry{e}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleSinkPublishNumbersPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "sensor_readings")
	ts := time.Now()
	batch := []*domain.QueueEntry{
		testEntry(1, "a", ts, nil),
		testEntry(2, "b", ts, nil),
	}

	mock.ExpectExec(regexp.QuoteMeta("($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11),($12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)")).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := sink.Publish(context.Background(), batch); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleSinkPublishNoEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "sensor_readings")
	if err := sink.Publish(context.Background(), nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleSinkClassifiesErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "sensor_readings")
	batch := []*domain.QueueEntry{testEntry(1, "a", time.Now(), nil)}

	mock.ExpectExec("INSERT INTO").WillReturnError(&pq.Error{Code: "22P02", Message: "invalid input syntax"})
	err = sink.Publish(context.Background(), batch)
	if !ports.IsPermanent(err) {
		t.Fatalf("expected data exception to be permanent, got %v", err)
	}

	mock.ExpectExec("INSERT INTO").WillReturnError(&pq.Error{Code: "57P03", Message: "cannot connect now"})
	err = sink.Publish(context.Background(), batch)
	if err == nil || ports.IsPermanent(err) {
		t.Fatalf("expected server startup error to be transient, got %v", err)
	}

	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("connection reset by peer"))
	if err := sink.Publish(context.Background(), batch); err == nil || ports.IsPermanent(err) {
		t.Fatalf("expected network error to be transient, got %v", err)
	}
}

func TestTimescaleSinkName(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()

	sink := NewTimescaleSink(db, "sensor_readings")
	if sink.Name() != "timescaledb" {
		t.Fatalf("expected sink name timescaledb, got %s", sink.Name())
	}
}
