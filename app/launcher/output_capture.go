package launcher

import (
	"bytes"
	"strings"
	"sync"
)

// OutputCapture keeps the last N lines of pipeline output (stdout and stderr combined).
// Safe for concurrent writes, the pipeline writes both streams at the same time.
type OutputCapture struct {
	maxLines int
	lines    []string
	partial  []byte
	mu       sync.Mutex
}

// NewOutputCapture creates io.Writer capturing up to maxLines last lines, 0 disables capture
func NewOutputCapture(maxLines int) *OutputCapture {
	return &OutputCapture{maxLines: maxLines}
}

// Write satisfies io.Writer. Lines split across writes are joined before being stored.
func (o *OutputCapture) Write(p []byte) (n int, err error) {
	if o.maxLines <= 0 {
		return len(p), nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	data := p
	if len(o.partial) > 0 {
		data = append(o.partial, p...)
		o.partial = nil
	}
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		o.add(data[:idx])
		data = data[idx+1:]
	}
	if len(data) > 0 {
		o.partial = append([]byte{}, data...)
	}
	return len(p), nil
}

// GetOutput returns captured lines, including unterminated last line
func (o *OutputCapture) GetOutput() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	lines := o.lines
	if len(o.partial) > 0 {
		lines = append(append([]string{}, lines...), string(o.partial))
		if len(lines) > o.maxLines {
			lines = lines[1:]
		}
	}
	return strings.Join(lines, "\n")
}

func (o *OutputCapture) add(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	if len(o.lines) >= o.maxLines {
		o.lines = o.lines[1:]
	}
	o.lines = append(o.lines, string(line))
}
