package manager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
)

const (
	defaultFlushWindow = 1500 * time.Millisecond
	defaultMaxBatch    = 32
	logChannelDepth    = 256
)

// flushFunc persists one ordered batch of lines for an operation.
type flushFunc func(ctx context.Context, opID string, lines []operation.LogLine) error

// logBuffer coalesces high-frequency log appends for a single operation into
// batched store writes. One goroutine per operation keeps append order
// without any cross-operation contention.
type logBuffer struct {
	opID   string
	in     chan operation.LogLine
	done   chan struct{}
	window time.Duration
	max    int
	flush  flushFunc
	logger *zap.Logger

	closeOnce sync.Once
}

func newLogBuffer(opID string, window time.Duration, max int, flush flushFunc, logger *zap.Logger) *logBuffer {
	if window <= 0 {
		window = defaultFlushWindow
	}
	if max <= 0 {
		max = defaultMaxBatch
	}
	b := &logBuffer{
		opID:   opID,
		in:     make(chan operation.LogLine, logChannelDepth),
		done:   make(chan struct{}),
		window: window,
		max:    max,
		flush:  flush,
		logger: logger,
	}
	go b.run()
	return b
}

// append enqueues a line. Blocks only when the buffer is saturated, which
// back-pressures the streaming callback instead of dropping output.
func (b *logBuffer) append(line operation.LogLine) {
	defer func() {
		// A send on the closed channel means the operation already turned
		// terminal; late lines are dropped.
		if recover() != nil {
			b.logger.Debug("log_after_close", zap.String("operation_id", b.opID))
		}
	}()
	b.in <- line
}

// close flushes whatever is pending and stops the goroutine.
func (b *logBuffer) close() {
	b.closeOnce.Do(func() { close(b.in) })
	<-b.done
}

func (b *logBuffer) run() {
	defer close(b.done)

	var batch []operation.LogLine

	// Armed only while a batch is pending.
	timer := time.NewTimer(b.window)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.flush(ctx, b.opID, batch); err != nil {
			b.logger.Warn("log_flush_failed",
				zap.Error(err),
				zap.String("operation_id", b.opID),
				zap.Int("lines", len(batch)),
			)
		}
		cancel()
		batch = nil
	}

	for {
		select {
		case line, ok := <-b.in:
			if !ok {
				flushBatch()
				return
			}
			if len(batch) == 0 {
				timer.Reset(b.window)
			}
			batch = append(batch, line)
			if len(batch) >= b.max {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				flushBatch()
			}
		case <-timer.C:
			flushBatch()
		}
	}
}
