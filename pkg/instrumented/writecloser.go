package instrumented

import (
	"io"
	"log/slog"
	"time"
)

type wrappedWriteCloser struct {
	inner     io.WriteCloser
	log       *slog.Logger
	label     string
	createdAt time.Time
	count     int64
}

// Writer is the write-side counterpart of Reader: it wraps wc so that, on
// Close, log receives one Info record with the elapsed duration and bytes
// written under label. If log is nil, wc is returned unwrapped.
func Writer(wc io.WriteCloser, log *slog.Logger, label string) io.WriteCloser {
	if log == nil {
		return wc
	}
	return &wrappedWriteCloser{
		inner:     wc,
		log:       log,
		label:     label,
		createdAt: time.Now(),
	}
}

func (wc *wrappedWriteCloser) Write(p []byte) (int, error) {
	n, err := wc.inner.Write(p)
	wc.count += int64(n)
	return n, err
}

func (wc *wrappedWriteCloser) Close() error {
	wc.log.Info("stream closed",
		slog.String("stream", wc.label),
		slog.Duration("dur", time.Since(wc.createdAt)),
		slog.Int64("bytes", wc.count),
	)
	return wc.inner.Close()
}
