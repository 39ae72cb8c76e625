package launcher

import (
	"bytes"
	"fmt"
	"io"
)

const prefixMaxLen = 16
const prefixCutSuffix = "..."

// LogPrefixer implements io.Writer and adds a prefix to each output line. It is useful when
// several launches share the same log, the prefix is built from the run label (job store name).
type LogPrefixer struct {
	writer  io.Writer
	prefix  []byte
	midLine bool
}

// NewLogPrefixer initializes log prefixer
func NewLogPrefixer(writer io.Writer, label string) *LogPrefixer {
	return &LogPrefixer{writer: writer, prefix: prefixFor(label)}
}

func (p *LogPrefixer) Write(data []byte) (int, error) {
	var written int
	for len(data) > 0 {
		if !p.midLine {
			if _, err := p.writer.Write(p.prefix); err != nil {
				return written, err
			}
		}
		line := data
		idx := bytes.IndexByte(data, '\n')
		if idx >= 0 {
			line = data[:idx+1]
		}
		n, err := p.writer.Write(line)
		written += n
		if err != nil {
			return written, err
		}
		p.midLine = idx < 0
		data = data[len(line):]
	}
	return written, nil
}

func prefixFor(label string) []byte {
	if len(label) > prefixMaxLen {
		label = label[:prefixMaxLen] + prefixCutSuffix
	}
	return []byte(fmt.Sprintf("{%s} ", label))
}
