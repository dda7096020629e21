package wire

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// rateLimitedWriter throttles writes with a token bucket so --bwlimit
// caps the aggregate outbound rate.
type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	burst   int
}

// newRateLimitedWriter wraps w so writes are throttled to bytesPerSec.
// The burst is capped at 1 MB so ordinary token-sized writes pass
// through without artificial stalls.
func newRateLimitedWriter(w io.Writer, bytesPerSec int64) *rateLimitedWriter {
	burst := 1 << 20
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return &rateLimitedWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		burst:   burst,
	}
}

func (rw *rateLimitedWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n := len(p) - written
		if n > rw.burst {
			n = rw.burst
		}
		if err := rw.limiter.WaitN(context.Background(), n); err != nil {
			return written, err
		}
		m, err := rw.w.Write(p[written : written+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
