// Package size measures raw and gzip-compressed byte counts.
package size

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
)

// GzipMeter reports the UTF-8 length and the best-compression gzip length.
type GzipMeter struct {
	Level int
}

// NewGzipMeter returns a meter using gzip.BestCompression.
func NewGzipMeter() *GzipMeter {
	return &GzipMeter{Level: gzip.BestCompression}
}

// Measure implements estimator.SizeMeter.
func (m *GzipMeter) Measure(text string) (estimator.Size, error) {
	var counter countingWriter
	zw, err := gzip.NewWriterLevel(&counter, m.Level)
	if err != nil {
		return estimator.Size{}, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := io.WriteString(zw, text); err != nil {
		return estimator.Size{}, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return estimator.Size{}, fmt.Errorf("gzip close: %w", err)
	}
	return estimator.Size{Raw: len(text), Gz: counter.n}, nil
}

type countingWriter struct {
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += len(p)
	return len(p), nil
}
