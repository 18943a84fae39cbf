// Package analytics implements a non-blocking, batched request log.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine, so accounting never blocks the request hot
// path. Batches go to a ClickHouse table when a DSN is configured and to the
// structured logger otherwise. If the channel fills up (> 10 000 entries),
// new entries are dropped and counted in DroppedLogs.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second

	tableName = "gateway_requests"

	schemaDDL = `
CREATE TABLE IF NOT EXISTS ` + tableName + ` (
    request_id        String,
    provider          LowCardinality(String),
    model             LowCardinality(String),
    route             LowCardinality(String),
    client_ip         String,
    referrer          String,
    prompt_tokens     UInt32,
    completion_tokens UInt32,
    latency_ms        UInt16,
    status            UInt16,
    cached            Bool,
    streamed          Bool,
    created_at        DateTime
) ENGINE = MergeTree()
ORDER BY (created_at, model)
TTL created_at + INTERVAL 90 DAY`
)

// RequestLog is one completed request.
type RequestLog struct {
	RequestID        string
	Provider         string
	Model            string
	Route            string
	ClientIP         string
	Referrer         string
	PromptTokens     uint32
	CompletionTokens uint32
	LatencyMs        uint16
	Status           uint16
	Cached           bool
	Streamed         bool
	CreatedAt        time.Time
}

// Logger is the async request log.
type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	conn    driver.Conn
}

// Options configures the logger sinks.
type Options struct {
	// ClickHouseDSN enables the ClickHouse sink when non-empty, e.g.
	// "clickhouse://localhost:9000/analytics". The table is created on
	// startup if missing.
	ClickHouseDSN string
}

// New creates a Logger and starts its flush goroutine.
func New(ctx context.Context, slogger *slog.Logger, opts Options) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("analytics: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	if opts.ClickHouseDSN != "" {
		chOpts, err := clickhouse.ParseDSN(opts.ClickHouseDSN)
		if err != nil {
			return nil, fmt.Errorf("analytics: parse clickhouse dsn: %w", err)
		}
		conn, err := clickhouse.Open(chOpts)
		if err != nil {
			return nil, fmt.Errorf("analytics: open clickhouse: %w", err)
		}
		if err := conn.Exec(ctx, schemaDDL); err != nil {
			return nil, fmt.Errorf("analytics: ensure schema: %w", err)
		}
		l.conn = conn
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues an entry. Never blocks; drops when the buffer is full.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// DroppedLogs returns the number of entries dropped due to backpressure.
func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close flushes pending entries and stops the goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if l.conn != nil {
			if err := l.flushClickHouse(batch); err != nil {
				l.log.Error("analytics_flush_failed",
					slog.Int("entries", len(batch)),
					slog.String("error", err.Error()),
				)
			}
		} else {
			l.flushSlog(batch)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Logger) flushClickHouse(batch []RequestLog) error {
	ctx, cancel := context.WithTimeout(l.baseCtx, 10*time.Second)
	defer cancel()

	b, err := l.conn.PrepareBatch(ctx, "INSERT INTO "+tableName)
	if err != nil {
		return err
	}
	for _, e := range batch {
		if err := b.Append(
			e.RequestID,
			e.Provider,
			e.Model,
			e.Route,
			e.ClientIP,
			e.Referrer,
			e.PromptTokens,
			e.CompletionTokens,
			e.LatencyMs,
			e.Status,
			e.Cached,
			e.Streamed,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return err
		}
	}
	return b.Send()
}

func (l *Logger) flushSlog(batch []RequestLog) {
	for _, e := range batch {
		l.log.InfoContext(l.baseCtx, "request",
			slog.String("id", e.RequestID),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.String("route", e.Route),
			slog.Uint64("prompt_tokens", uint64(e.PromptTokens)),
			slog.Uint64("completion_tokens", uint64(e.CompletionTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("cached", e.Cached),
			slog.Bool("streamed", e.Streamed),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
