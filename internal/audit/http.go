package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/logging"
)

const (
	postAttempts = 3
	postDelay    = time.Second
)

// HTTPEmitter posts each event to a collector. A local JSON copy is
// written first; the chain head only advances once the collector accepts
// the event.
type HTTPEmitter struct {
	endpoint   string
	client     *http.Client
	files      *FileEmitter
	retryDelay time.Duration
	log        *slog.Logger
}

func NewHTTPEmitter(endpoint string, files *FileEmitter, log *slog.Logger) *HTTPEmitter {
	return &HTTPEmitter{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: 30 * time.Second},
		files:      files,
		retryDelay: postDelay,
		log:        logging.OrComponent(log, "audit"),
	}
}

func (e *HTTPEmitter) EmitChunk(ctx context.Context, evt Event) error {
	ce := evt.toChunkEvent(uuid.New().String(), time.Now().UTC())
	return e.files.chain.Advance(&ce, func(ce *ChunkEvent) error {
		if err := e.files.save(ce); err != nil {
			e.log.Warn("audit backup failed", "error", err)
		}
		if err := e.postWithRetry(ctx, ce); err != nil {
			return fmt.Errorf("audit emit: %w", err)
		}
		return nil
	})
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *ChunkEvent) error {
	var lastErr error
	delay := e.retryDelay

	for attempt := 1; attempt <= postAttempts; attempt++ {
		err := e.post(ctx, evt)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == postAttempts {
			break
		}
		e.log.Warn("audit post failed, retrying",
			"attempt", attempt,
			"max_attempts", postAttempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("all %d attempts failed: %w", postAttempts, lastErr)
}

func (e *HTTPEmitter) post(ctx context.Context, evt *ChunkEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.log.Debug("audit event posted", "status", resp.StatusCode, "event_hash", evt.Chain.EventHash)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
}

func (e *HTTPEmitter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
