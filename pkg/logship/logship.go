// Package logship ships structured log events to an HTTP ingest endpoint
// in batches.
//
// Events are buffered in memory and flushed as a single JSON array when
// the batch fills or the flush interval elapses, whichever comes first.
// Shipping failures never block or fail the caller: the batch is counted
// as dropped, the configured error handler is notified, and the
// application carries on logging.
//
// A [Shipper] can be used directly through [Shipper.Enqueue], or wired
// into a zap logger as a [zapcore.Core] with [NewZapCore].
package logship

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	ekerr "github.com/edgekit/edgekit-core/pkg/errors"
)

// Defaults applied by NewShipper when the corresponding Config field is
// zero.
const (
	// DefaultBatchSize is the number of buffered events that triggers a
	// flush.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often buffered events are flushed even
	// when the batch is not full.
	DefaultFlushInterval = time.Second

	// DefaultRequestTimeout bounds a single ingest request.
	DefaultRequestTimeout = 5 * time.Second
)

// Secret is a credential string that redacts itself in logs and JSON.
// Use [Secret.Reveal] at the single point the raw value is needed.
type Secret string

// String returns a redaction marker, never the raw value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalJSON writes the redaction marker, never the raw value.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Reveal returns the raw credential value.
func (s Secret) Reveal() string {
	return string(s)
}

// Event is one structured log event. The ingest endpoint expects an
// RFC 3339 timestamp under the "_time" key; Enqueue adds one when absent.
type Event map[string]any

// HTTPClient performs ingest requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a [Shipper].
type Config struct {
	// IngestURL is the base URL of the ingest service, e.g.
	// https://api.axiom.co.
	IngestURL string `json:"ingest_url" yaml:"ingest_url" env:"INGEST_URL" required:"true"`

	// Dataset is the dataset events are written to.
	Dataset string `json:"dataset" yaml:"dataset" env:"DATASET" required:"true"`

	// Token is the bearer credential sent with every ingest request.
	Token Secret `json:"token" yaml:"token" env:"TOKEN" required:"true"`

	// BatchSize is the buffered event count that triggers a flush.
	// Defaults to [DefaultBatchSize].
	BatchSize int `json:"batch_size" yaml:"batch_size" env:"BATCH_SIZE"`

	// FlushInterval is the periodic flush cadence. Defaults to
	// [DefaultFlushInterval].
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval" env:"FLUSH_INTERVAL"`

	// RequestTimeout bounds a single ingest request. Defaults to
	// [DefaultRequestTimeout].
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" env:"REQUEST_TIMEOUT"`

	// HTTPClient performs ingest requests. Defaults to an http.Client
	// with [DefaultRequestTimeout].
	HTTPClient HTTPClient `json:"-" yaml:"-"`

	// OnError is invoked with every shipping failure, after the failed
	// batch has been counted as dropped. Optional.
	OnError func(error) `json:"-" yaml:"-"`
}

// Validate checks the configuration.
func (c *Config) Validate() *ekerr.Error {
	if c.IngestURL == "" {
		return ekerr.New(ekerr.CodeValidationRequired, "logship: ingest URL is required")
	}
	if _, err := url.ParseRequestURI(c.IngestURL); err != nil {
		return ekerr.Wrap(err, ekerr.CodeValidationFormat, "logship: ingest URL is not a valid URL")
	}
	if c.Dataset == "" {
		return ekerr.New(ekerr.CodeValidationRequired, "logship: dataset is required")
	}
	if c.Token == "" {
		return ekerr.New(ekerr.CodeValidationRequired, "logship: token is required")
	}
	if c.BatchSize < 0 {
		return ekerr.New(ekerr.CodeValidation, "logship: batch size must be non-negative")
	}
	return nil
}

// Shipper buffers events and ships them in batches.
//
// Shipper is safe for concurrent use by multiple goroutines. Enqueue
// never blocks on network activity; full batches are handed to a
// background flush.
type Shipper struct {
	cfg      Config
	endpoint string
	client   HTTPClient
	onError  func(error)

	mu     sync.Mutex
	buf    []Event
	closed bool

	dropped atomic.Int64
	wg      sync.WaitGroup
	stop    chan struct{}
}

// NewShipper creates a Shipper and starts its background flush loop.
// Call [Shipper.Close] to drain and stop it.
func NewShipper(cfg Config) (*Shipper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	s := &Shipper{
		cfg:      cfg,
		endpoint: fmt.Sprintf("%s/v1/datasets/%s/ingest", cfg.IngestURL, url.PathEscape(cfg.Dataset)),
		client:   cfg.HTTPClient,
		onError:  cfg.OnError,
		buf:      make([]Event, 0, cfg.BatchSize),
		stop:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()
	return s, nil
}

// Enqueue buffers one event for shipping. A "_time" timestamp is added
// when the event carries none. Events enqueued after Close are counted
// as dropped.
func (s *Shipper) Enqueue(evt Event) {
	if evt == nil {
		return
	}
	if _, ok := evt["_time"]; !ok {
		evt["_time"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.dropped.Add(1)
		return
	}
	s.buf = append(s.buf, evt)
	var batch []Event
	if len(s.buf) >= s.cfg.BatchSize {
		batch = s.takeLocked()
	}
	s.mu.Unlock()

	if batch != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ship(context.Background(), batch)
		}()
	}
}

// Flush ships all buffered events immediately.
func (s *Shipper) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.takeLocked()
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return s.ship(ctx, batch)
}

// Close stops the flush loop and ships any remaining buffered events.
// Close is idempotent; events enqueued afterwards are dropped.
func (s *Shipper) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	batch := s.takeLocked()
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()

	if len(batch) == 0 {
		return nil
	}
	return s.ship(ctx, batch)
}

// Dropped returns the number of events lost to shipping failures or to
// enqueues after Close.
func (s *Shipper) Dropped() int64 {
	return s.dropped.Load()
}

// takeLocked detaches the current buffer. Caller holds s.mu.
func (s *Shipper) takeLocked() []Event {
	if len(s.buf) == 0 {
		return nil
	}
	batch := s.buf
	s.buf = make([]Event, 0, s.cfg.BatchSize)
	return batch
}

func (s *Shipper) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			batch := s.takeLocked()
			s.mu.Unlock()
			if len(batch) > 0 {
				s.ship(context.Background(), batch)
			}
		case <-s.stop:
			return
		}
	}
}

// ship sends one batch as a JSON array. Failures count every event in
// the batch as dropped and notify the error handler; they are returned
// for synchronous callers and otherwise swallowed.
func (s *Shipper) ship(ctx context.Context, batch []Event) error {
	err := s.post(ctx, batch)
	if err != nil {
		s.dropped.Add(int64(len(batch)))
		if s.onError != nil {
			s.onError(err)
		}
	}
	return err
}

func (s *Shipper) post(ctx context.Context, batch []Event) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return ekerr.Wrap(err, ekerr.CodeInternal, "logship: failed to encode batch")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return ekerr.Wrap(err, ekerr.CodeInternal, "logship: failed to create ingest request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token.Reveal())

	resp, err := s.client.Do(req)
	if err != nil {
		return ekerr.Wrap(err, ekerr.CodeUnavailableDependency, "logship: ingest request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ekerr.Newf(ekerr.CodeUnavailableDependency,
			"logship: ingest endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
