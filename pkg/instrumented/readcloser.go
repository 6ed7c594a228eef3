// Package instrumented wraps io.ReadCloser and io.WriteCloser streams with
// log/slog-based timing and byte-count instrumentation, enabled by the
// CLI's -v/--verbose flag. The wrapper is silent when log is nil, so call
// sites never need a separate verbose/non-verbose path.
package instrumented

import (
	"io"
	"log/slog"
	"time"
)

type wrappedReadCloser struct {
	inner     io.ReadCloser
	log       *slog.Logger
	label     string
	createdAt time.Time
	count     int64
}

// Reader wraps rc so that, on Close, log receives a single Info record
// carrying the elapsed duration and bytes read under label (e.g. a layer
// digest or archive path). If log is nil, rc is returned unwrapped.
func Reader(rc io.ReadCloser, log *slog.Logger, label string) io.ReadCloser {
	if log == nil {
		return rc
	}
	return &wrappedReadCloser{
		inner:     rc,
		log:       log,
		label:     label,
		createdAt: time.Now(),
	}
}

func (rc *wrappedReadCloser) Read(p []byte) (int, error) {
	n, err := rc.inner.Read(p)
	rc.count += int64(n)
	return n, err
}

func (rc *wrappedReadCloser) Close() error {
	rc.log.Info("stream closed",
		slog.String("stream", rc.label),
		slog.Duration("dur", time.Since(rc.createdAt)),
		slog.Int64("bytes", rc.count),
	)
	return rc.inner.Close()
}
