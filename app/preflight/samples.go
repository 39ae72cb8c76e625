package preflight

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
)

// Sample is a row of pipeline config: tumor/normal pair of a patient
type Sample struct {
	UUID      string
	NormalURL string
	TumorURL  string
}

// ReadSamples parses pipeline config CSV with uuid,normal_url,tumor_url rows.
// Blank lines and lines started with # are ignored. All row problems reported together.
func ReadSamples(path string) ([]Sample, error) {
	fh, err := os.Open(path) //nolint:gosec // path from the launcher options
	if err != nil {
		return nil, fmt.Errorf("can't open samples: %w", err)
	}
	defer fh.Close()

	r := csv.NewReader(fh)
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var res []Sample
	var errs []error
	seen := map[string]int{}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("can't read samples from %s: %w", path, err)
		}
		line, _ := r.FieldPos(0)

		if len(rec) != 3 {
			errs = append(errs, fmt.Errorf("line %d: expected 3 fields, got %d", line, len(rec)))
			continue
		}
		s := Sample{UUID: strings.TrimSpace(rec[0]), NormalURL: strings.TrimSpace(rec[1]), TumorURL: strings.TrimSpace(rec[2])}
		if s.UUID == "" {
			errs = append(errs, fmt.Errorf("line %d: empty uuid", line))
			continue
		}
		if prev, ok := seen[s.UUID]; ok {
			errs = append(errs, fmt.Errorf("line %d: duplicate uuid %s, first seen on line %d", line, s.UUID, prev))
			continue
		}
		seen[s.UUID] = line
		if err := checkSampleURL(s.NormalURL); err != nil {
			errs = append(errs, fmt.Errorf("line %d: normal: %w", line, err))
		}
		if err := checkSampleURL(s.TumorURL); err != nil {
			errs = append(errs, fmt.Errorf("line %d: tumor: %w", line, err))
		}
		res = append(res, s)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid samples in %s: %w", path, errors.Join(errs...))
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("no samples in %s", path)
	}
	return res, nil
}

func checkSampleURL(v string) error {
	if v == "" {
		return errors.New("empty url")
	}
	u, err := url.Parse(v)
	if err != nil {
		return fmt.Errorf("bad url %q: %w", v, err)
	}
	switch u.Scheme {
	case "s3", "http", "https", "ftp":
		if u.Host == "" {
			return fmt.Errorf("no host in %q", v)
		}
	case "file":
	default:
		return fmt.Errorf("unsupported scheme in %q", v)
	}
	return nil
}
