package octoprint

import "bytes"

// A JPEG frame in an MJPEG stream runs from the SOI marker to the EOI
// marker.
var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// maxFrameBuffer bounds the split buffer. A stream that never produces a
// frame boundary within this window is not MJPEG; the buffer is dropped
// rather than growing without limit.
const maxFrameBuffer = 5 << 20

// FrameSplitter extracts complete JPEG frames from an MJPEG byte stream.
// Feed it chunks as they arrive; it invokes the callback once per complete
// frame. It implements io.Writer so a streaming response body can be copied
// into it directly.
type FrameSplitter struct {
	onFrame func(frame []byte)
	buffer  []byte
}

// NewFrameSplitter creates a splitter delivering frames to the callback.
// The frame slice is only valid for the duration of the call.
func NewFrameSplitter(onFrame func(frame []byte)) *FrameSplitter {
	return &FrameSplitter{onFrame: onFrame}
}

func (s *FrameSplitter) Write(p []byte) (int, error) {
	s.buffer = append(s.buffer, p...)

	for {
		start := bytes.Index(s.buffer, jpegStart)
		if start < 0 {
			// No frame start anywhere; nothing before one is useful.
			if len(s.buffer) > len(jpegStart) {
				s.buffer = s.buffer[len(s.buffer)-len(jpegStart):]
			}
			break
		}
		end := bytes.Index(s.buffer[start+len(jpegStart):], jpegEnd)
		if end < 0 {
			s.buffer = s.buffer[start:]
			break
		}
		frameEnd := start + len(jpegStart) + end + len(jpegEnd)
		if s.onFrame != nil {
			s.onFrame(s.buffer[start:frameEnd])
		}
		s.buffer = s.buffer[frameEnd:]
	}

	if len(s.buffer) > maxFrameBuffer {
		logWarn("Dropping camera stream buffer without frame boundaries")
		s.buffer = nil
	}

	return len(p), nil
}
