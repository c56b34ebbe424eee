// Package transport delivers event batches to the ingestion route.
//
// HTTPSender is the normal path: a request whose outcome the caller sees and
// can retry. Beacon is the unload path: dispatched in the background, detached
// from the caller's context, with no result reported back.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vincentbai/pagebeacon/internal/models"
)

// DefaultBeaconMaxBytes matches the browser sendBeacon quota.
const DefaultBeaconMaxBytes = 64 * 1024

var ErrDelivery = errors.New("delivery failed")

// StatusError reports a non-2xx response from the sink.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: sink returned %d", ErrDelivery, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return ErrDelivery }

// Sender uploads a batch and reports whether it was accepted.
type Sender interface {
	Send(ctx context.Context, batch models.Batch) error
}

// Beaconer hands a batch off for delivery that outlives the caller.
type Beaconer interface {
	Beacon(batch models.Batch)
}

type HTTPSender struct {
	endpoint string
	client   *http.Client
}

func NewHTTPSender(endpoint string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSender) Send(ctx context.Context, batch models.Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	return post(ctx, s.client, s.endpoint, body)
}

func post(ctx context.Context, client *http.Client, endpoint string, body []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &StatusError{StatusCode: response.StatusCode}
	}
	return nil
}

type BeaconOptions struct {
	Endpoint string
	MaxBytes int
	Timeout  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
	// OnDispatch is called once per blob handed to the network.
	OnDispatch func()
}

// Beacon posts unload batches in the background. Failures are logged at
// debug level and otherwise ignored.
type Beacon struct {
	endpoint   string
	maxBytes   int
	client     *http.Client
	logger     *slog.Logger
	onDispatch func()
	inflight   sync.WaitGroup
}

func NewBeacon(opts BeaconOptions) *Beacon {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultBeaconMaxBytes
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Beacon{
		endpoint:   opts.Endpoint,
		maxBytes:   maxBytes,
		client:     client,
		logger:     logger.With("component", "beacon"),
		onDispatch: opts.OnDispatch,
	}
}

// Beacon hands batch to the network and returns at once. When the batch is
// split, the blobs are posted one after another in event order.
func (b *Beacon) Beacon(batch models.Batch) {
	blobs, err := Split(batch, b.maxBytes)
	if err != nil {
		b.logger.Debug("beacon dropped", "error", err)
		return
	}
	if b.onDispatch != nil {
		for range blobs {
			b.onDispatch()
		}
	}
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		for _, body := range blobs {
			if err := post(context.Background(), b.client, b.endpoint, body); err != nil {
				b.logger.Debug("beacon not delivered", "error", err, "bytes", len(body))
				continue
			}
			b.logger.Debug("beacon delivered", "bytes", len(body))
		}
	}()
}

// Wait blocks until dispatched beacons finish or ctx is done. Processes call
// it before exiting so unload deliveries are not cut off.
func (b *Beacon) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Split serializes batch into one or more JSON blobs of at most maxBytes,
// keeping event order. An event too large on its own is sent alone.
func Split(batch models.Batch, maxBytes int) ([][]byte, error) {
	whole, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}
	if maxBytes <= 0 || len(whole) <= maxBytes || len(batch.Events) <= 1 {
		return [][]byte{whole}, nil
	}

	empty, err := json.Marshal(models.Batch{Events: []models.Event{}, Meta: batch.Meta})
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	overhead := len(empty)

	var blobs [][]byte
	var current []models.Event
	size := overhead
	emit := func() error {
		if len(current) == 0 {
			return nil
		}
		blob, err := json.Marshal(models.Batch{Events: current, Meta: batch.Meta})
		if err != nil {
			return fmt.Errorf("marshal chunk: %w", err)
		}
		blobs = append(blobs, blob)
		current = nil
		size = overhead
		return nil
	}
	for _, event := range batch.Events {
		encoded, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		// +1 for the separating comma
		if len(current) > 0 && size+len(encoded)+1 > maxBytes {
			if err := emit(); err != nil {
				return nil, err
			}
		}
		current = append(current, event)
		size += len(encoded) + 1
	}
	if err := emit(); err != nil {
		return nil, err
	}
	return blobs, nil
}
