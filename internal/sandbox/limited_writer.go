package sandbox

import "io"

// limitedWriter forwards at most max bytes to w and silently discards the rest. It always
// reports the full length as written so the child never sees a short write.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.max > 0 && lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}
	if lw.max > 0 && lw.written+int64(n) > lw.max {
		keep := lw.max - lw.written
		lw.truncated = true
		lw.discarded += int64(n) - keep
		p = p[:keep]
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	if err != nil {
		return written, err
	}
	return n, nil
}
