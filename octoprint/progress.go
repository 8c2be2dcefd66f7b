package octoprint

import "io"

// progressReader wraps an upload body and reports cumulative bytes read.
// The callback runs on the transport goroutine.
type progressReader struct {
	reader     io.Reader
	total      int64
	sent       int64
	onProgress func(sent, total int64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.sent += int64(n)
		if r.onProgress != nil {
			r.onProgress(r.sent, r.total)
		}
	}
	return n, err
}
