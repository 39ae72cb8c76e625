// Package preflight checks pipeline inputs before the launch. A failed exome run usually surfaces
// hours after the start, so cheap checks of the sample sheet, the key and the remote references
// save a whole cluster allocation.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/umputun/exorun/app/pipeline"
)

// sseKeySize is the size of SSE-C customer key, AES-256
const sseKeySize = 32

// Checker runs enabled checks against pipeline options
type Checker struct {
	Samples     bool // parse config CSV
	SSECKey     bool // key file exists and has the right size
	References  bool // reference URLs reachable
	S3          bool // destination bucket reachable
	HTTPClient  *http.Client
	Concurrency int
	S3API       S3API
}

// S3API is the subset of s3 client used for destination check
type S3API interface {
	HeadBucketWithContext(ctx aws.Context, input *s3.HeadBucketInput, opts ...request.Option) (*s3.HeadBucketOutput, error)
}

// NewS3API makes s3 client for the region, credentials picked from the environment
func NewS3API(region string) (S3API, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("can't make aws session: %w", err)
	}
	return s3.New(sess), nil
}

// Enabled checks if any check turned on
func (c *Checker) Enabled() bool {
	return c.Samples || c.SSECKey || c.References || c.S3
}

// Check runs all enabled checks and returns all failures joined
func (c *Checker) Check(ctx context.Context, opts pipeline.Options) error {
	var errs []error

	if c.Samples {
		samples, err := ReadSamples(opts.Config)
		if err != nil {
			errs = append(errs, err)
		} else {
			log.Printf("[DEBUG] %d samples in %s", len(samples), opts.Config)
		}
	}

	if c.SSECKey {
		if err := checkKey(opts.SSEC); err != nil {
			errs = append(errs, err)
		}
	}

	if c.References {
		if err := c.checkReferences(ctx, opts.References()); err != nil {
			errs = append(errs, err)
		}
	}

	if c.S3 {
		if err := c.checkS3(ctx, opts); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func checkKey(path string) error {
	if path == "" {
		return errors.New("ssec key is not set")
	}
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("ssec key: %w", err)
	}
	if st.IsDir() {
		return fmt.Errorf("ssec key %s is a directory", path)
	}
	if st.Size() != sseKeySize {
		return fmt.Errorf("ssec key %s has %d bytes, expected %d", path, st.Size(), sseKeySize)
	}
	return nil
}

// checkReferences sends HEAD to each http(s) reference concurrently, other schemes skipped
func (c *Checker) checkReferences(ctx context.Context, refs map[string]string) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)

	var mu sync.Mutex
	var errs []error
	wg := syncs.NewSizedGroup(concurrency, syncs.Context(ctx))
	for _, name := range names {
		url := refs[name]
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			log.Printf("[DEBUG] skip reference check for %s, %s", name, url)
			continue
		}
		wg.Go(func(ctx context.Context) {
			if err := headURL(ctx, client, url); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("reference %s: %w", name, err))
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	// goroutines finish in any order
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}

func headURL(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("can't make request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("can't reach %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s responded with %d", url, resp.StatusCode)
	}
	return nil
}

func (c *Checker) checkS3(ctx context.Context, opts pipeline.Options) error {
	bucket, _ := opts.S3Location()
	if bucket == "" {
		return errors.New("s3 destination is not set")
	}
	if c.S3API == nil {
		return errors.New("s3 client is not configured")
	}
	if _, err := c.S3API.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return fmt.Errorf("s3 bucket %s: %w", bucket, err)
	}
	return nil
}
