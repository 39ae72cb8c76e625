package pipeline

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Stamp holds date elements for path templates like {{.YYYYMMDD}}. Useful to keep output
// of each run in a separate dated location.
type Stamp struct {
	YYYYMMDD string
	YYYYMM   string
	YYYY     string
	YYMMDD   string
	ISODATE  string
	MM       string
	DD       string
	YY       string
	HHMMSS   string
	UNIX     int64
}

// NewStamp makes stamp for given time, in the time's own location
func NewStamp(ts time.Time) Stamp {
	return Stamp{
		YYYYMMDD: ts.Format("20060102"),
		YYYYMM:   ts.Format("200601"),
		YYYY:     ts.Format("2006"),
		YYMMDD:   ts.Format("060102"),
		ISODATE:  ts.Format("2006-01-02"),
		MM:       ts.Format("01"),
		DD:       ts.Format("02"),
		YY:       ts.Format("06"),
		HHMMSS:   ts.Format("150405"),
		UNIX:     ts.Unix(),
	}
}

// Apply executes template in src. Strings without template markers returned as is.
func (s Stamp) Apply(src string) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	tmpl, err := template.New("stamp").Option("missingkey=error").Parse(src)
	if err != nil {
		return src, fmt.Errorf("can't parse template %q: %w", src, err)
	}
	buf := bytes.Buffer{}
	if err := tmpl.Execute(&buf, s); err != nil {
		return src, fmt.Errorf("can't apply template %q: %w", src, err)
	}
	return buf.String(), nil
}
