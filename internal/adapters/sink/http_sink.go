package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

type HTTPConfig struct {
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers"`
	Compression string            `yaml:"compression"`
	Timeout     time.Duration     `yaml:"timeout"`
}

func (c *HTTPConfig) applyDefaults() {
	c.Compression = strings.ToLower(strings.TrimSpace(c.Compression))
	if c.Compression == "" {
		c.Compression = CompressionZstd
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

func (c *HTTPConfig) validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("url must be http or https")
	}
	switch c.Compression {
	case CompressionNone, CompressionZstd:
	default:
		return fmt.Errorf("unknown compression %q", c.Compression)
	}
	return nil
}

// batchNamespace seeds the batch-level Idempotency-Key header.
var batchNamespace = uuid.MustParse("3f0a5a0e-5d0b-4c61-9f57-8f2f9f5a2c11")

// HTTPRequestBody is the document POSTed for each batch.
type HTTPRequestBody struct {
	Entries []domain.Envelope `json:"entries"`
}

// HTTPRejection lists the entries a 207 response refused.
type HTTPRejection struct {
	Rejected []struct {
		IdempotencyKey string `json:"idempotency_key"`
		Error          string `json:"error"`
		Permanent      bool   `json:"permanent"`
	} `json:"rejected"`
}

// HTTPSink POSTs each batch as one JSON document, optionally zstd-encoded.
type HTTPSink struct {
	cfg    HTTPConfig
	client *http.Client
	enc    *zstd.Encoder
}

func NewHTTPSink(cfg HTTPConfig) (*HTTPSink, error) {
	s := &HTTPSink{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
	if cfg.Compression == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		s.enc = enc
	}
	return s, nil
}

func (s *HTTPSink) Name() string { return "http" }

// BatchKey is stable for a given set of entries in a given order.
func BatchKey(batch []*domain.QueueEntry) string {
	keys := make([]string, len(batch))
	for i, e := range batch {
		keys[i] = e.IdempotencyKey
	}
	return uuid.NewSHA1(batchNamespace, []byte(strings.Join(keys, ","))).String()
}

func (s *HTTPSink) Publish(ctx context.Context, batch []*domain.QueueEntry) error {
	if len(batch) == 0 {
		return nil
	}
	sent, payloads, failed := encodeEnvelopes(batch)
	return withEncodeFailures(sent, failed, s.post(ctx, sent, payloads))
}

func (s *HTTPSink) post(ctx context.Context, batch []*domain.QueueEntry, payloads [][]byte) error {
	if len(batch) == 0 {
		return nil
	}
	entries := make([]json.RawMessage, len(payloads))
	for i, p := range payloads {
		entries[i] = p
	}
	body, err := json.Marshal(struct {
		Entries []json.RawMessage `json:"entries"`
	}{entries})
	if err != nil {
		return ports.Permanent(fmt.Errorf("marshal batch: %w", err))
	}
	if s.enc != nil {
		body = s.enc.EncodeAll(body, make([]byte, 0, len(body)/2))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return ports.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.enc != nil {
		req.Header.Set("Content-Encoding", "zstd")
	}
	req.Header.Set("Idempotency-Key", BatchKey(batch))
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return ports.Transient(err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusMultiStatus:
		return rejectedEntries(batch, payload)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	}

	statusErr := fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return ports.Transient(statusErr)
	case resp.StatusCode >= 400:
		return ports.Permanent(statusErr)
	default:
		return ports.Transient(statusErr)
	}
}

func rejectedEntries(batch []*domain.QueueEntry, payload []byte) error {
	var rej HTTPRejection
	if err := json.Unmarshal(payload, &rej); err != nil {
		return ports.Transient(fmt.Errorf("decode 207 body: %w", err))
	}
	byKey := make(map[string]domain.EntryID, len(batch))
	for _, e := range batch {
		byKey[e.IdempotencyKey] = e.ID
	}
	failed := make(map[domain.EntryID]error)
	for _, r := range rej.Rejected {
		id, ok := byKey[r.IdempotencyKey]
		if !ok {
			continue
		}
		err := fmt.Errorf("rejected: %s", r.Error)
		if r.Permanent {
			failed[id] = ports.Permanent(err)
		} else {
			failed[id] = ports.Transient(err)
		}
	}
	return ports.NewBatchError(failed)
}

func (s *HTTPSink) Close() error {
	if s.enc != nil {
		return s.enc.Close()
	}
	return nil
}

var _ ports.Endpoint = (*HTTPSink)(nil)
