// Package resumer keeps markers of started pipeline runs. A marker left behind means the
// job store was interrupted and the next launch should restart it instead of starting fresh.
package resumer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
)

const markerExt = ".exorun"

// staleAge defines how old marker gets ignored and removed
const staleAge = 7 * 24 * time.Hour

// Resumer keeps track of started runs in .exorun files, one per job store
type Resumer struct {
	location string
	enabled  bool
}

// Run keeps marker file name, job store and command line
type Run struct {
	JobStore string
	Command  string
	Fname    string
	Started  time.Time
}

// New makes resumer for given location. Disabled resumer does nothing.
func New(location string, enabled bool) *Resumer {
	if enabled {
		if err := os.MkdirAll(location, 0o700); err != nil {
			log.Printf("[WARN] can't make %s, %s", location, err)
		}
	}
	return &Resumer{location: location, enabled: enabled}
}

// OnStart makes marker for the job store, replacing the previous one if any
func (r *Resumer) OnStart(jobStore, cmd string) (string, error) {
	if !r.enabled {
		return "", nil
	}
	fname := r.markerFile(jobStore)
	log.Printf("[DEBUG] create resumer file %s", fname)
	if err := os.WriteFile(fname, []byte(jobStore+"\n"+cmd), 0o600); err != nil {
		return "", fmt.Errorf("can't write marker %s: %w", fname, err)
	}
	return fname, nil
}

// OnFinish removes marker
func (r *Resumer) OnFinish(fname string) error {
	if !r.enabled || fname == "" {
		return nil
	}
	log.Printf("[DEBUG] delete resumer file %s", fname)
	return os.Remove(fname)
}

// Interrupted checks if the job store has a marker left by unfinished run and the job store
// still exists, there is nothing to restart otherwise. Remote job stores (aws:, google:, azure:
// locators) can't be checked locally and the marker alone decides.
func (r *Resumer) Interrupted(jobStore string) bool {
	if !r.enabled {
		return false
	}
	st, err := os.Stat(r.markerFile(jobStore))
	if err != nil {
		return false
	}
	if st.ModTime().Add(staleAge).Before(time.Now()) {
		log.Printf("[INFO] resume marker for %s is too old, ignored", jobStore)
		return false
	}
	path, local := localPath(jobStore)
	if !local {
		log.Printf("[DEBUG] resume marker found for remote job store %s", jobStore)
		return true
	}
	if _, err := os.Stat(path); err != nil {
		log.Printf("[INFO] resume marker found, but job store %s is missing, %v", jobStore, err)
		return false
	}
	return true
}

// localPath returns file system path of the job store locator, "file:" prefix stripped.
// local is false for the remote locators.
func localPath(jobStore string) (path string, local bool) {
	if p, ok := strings.CutPrefix(jobStore, "file:"); ok {
		return p, true
	}
	for _, prefix := range []string{"aws:", "google:", "azure:"} {
		if strings.HasPrefix(jobStore, prefix) {
			return "", false
		}
	}
	return jobStore, true
}

// List returns all interrupted runs, stale markers removed
func (r *Resumer) List() (res []Run) {
	if !r.enabled {
		return []Run{}
	}

	entries, err := os.ReadDir(r.location)
	if err != nil {
		log.Printf("[WARN] can't get resume list for %s, %s", r.location, err)
		return []Run{}
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), markerExt) {
			continue
		}
		finfo, err := entry.Info()
		if err != nil {
			log.Printf("[WARN] can't get resume info for %s, %s", entry.Name(), err)
			continue
		}

		fileName := filepath.Join(r.location, finfo.Name())
		if finfo.ModTime().Add(staleAge).Before(time.Now()) {
			log.Printf("[DEBUG] resume file %s too old", fileName)
			if err := os.Remove(fileName); err != nil {
				log.Printf("[WARN] can't delete %s, %s", fileName, err)
			}
			continue
		}
		data, err := os.ReadFile(fileName) //nolint:gosec // file in resumer location
		if err != nil {
			log.Printf("[WARN] failed to read resume file %s, %s", fileName, err)
			continue
		}
		jobStore, cmd, _ := strings.Cut(string(data), "\n")
		res = append(res, Run{JobStore: jobStore, Command: cmd, Fname: fileName, Started: finfo.ModTime()})
	}
	return res
}

func (r *Resumer) String() string {
	return fmt.Sprintf("enabled:%v, location:%s", r.enabled, r.location)
}

func (r *Resumer) markerFile(jobStore string) string {
	h := sha256.Sum256([]byte(filepath.Clean(jobStore)))
	return filepath.Join(r.location, hex.EncodeToString(h[:8])+markerExt)
}
