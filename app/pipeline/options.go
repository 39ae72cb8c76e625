// Package pipeline describes a single invocation of the external exome variant pipeline.
// It keeps the options passed to the program, their HOME based defaults, path templates
// and the exact argument list in the order the pipeline expects.
package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// reference bundle used by default, hg19 build
const refBase = "https://s3-us-west-2.amazonaws.com/cgl-pipeline-inputs/variant_hg19/"

// Options defines everything passed to the external pipeline. String values may contain
// ${HOME} style variables and day templates like {{.YYYYMMDD}}, see Expand.
type Options struct {
	Python     string   // interpreter, empty to execute Script directly
	Script     string   // pipeline script
	JobStore   string   // positional job-store location
	RetryCount int      // --retryCount, handled by the pipeline itself
	Config     string   // --config, csv with samples
	Reference  string   // --reference
	Phase      string   // --phase
	Mills      string   // --mills
	DBSNP      string   // --dbsnp
	Cosmic     string   // --cosmic
	OutputDir  string   // --output_dir
	SSEC       string   // --ssec, encryption key file
	S3Dir      string   // --s3_dir
	WorkDir    string   // --workDir
	Sudo       bool     // --sudo
	MountDir   string   // local directory created before launch, not passed to the pipeline
	Extra      []string // passed as is after all other arguments
	Restart    bool     // --restart, set by launcher for interrupted job stores
}

// Defaults returns options matching the stock launch of the pipeline. All local paths are
// relative to ${HOME} and get resolved by Expand.
func Defaults() Options {
	return Options{
		Python:     "python",
		Script:     "exome_variant_pipeline.py",
		JobStore:   "${HOME}/jstore",
		RetryCount: 1,
		Config:     "${HOME}/exome_config.csv",
		Reference:  refBase + "hg19.fa",
		Phase:      refBase + "1000G_phase1.indels.hg19.sites.vcf",
		Mills:      refBase + "Mills_and_1000G_gold_standard.indels.hg19.sites.vcf",
		DBSNP:      refBase + "dbsnp_138.hg19.vcf",
		Cosmic:     refBase + "cosmic.hg19.vcf",
		OutputDir:  "${HOME}/",
		SSEC:       "${HOME}/master.key",
		S3Dir:      "cgl-driver-projects-encrypted/wcdt/exome_bams/",
		WorkDir:    "${HOME}/toil_mnt",
		Sudo:       true,
		MountDir:   "${HOME}/toil_mnt",
	}
}

// Command returns the program name and its arguments
func (o Options) Command() (name string, args []string) {
	if o.Python == "" {
		return o.Script, o.Args()
	}
	return o.Python, append([]string{o.Script}, o.Args()...)
}

// Args makes pipeline arguments, job store first, followed by flags in the fixed order.
// Empty optional values are skipped.
func (o Options) Args() []string {
	res := []string{o.JobStore, "--retryCount", strconv.Itoa(o.RetryCount)}
	add := func(flag, val string) {
		if val != "" {
			res = append(res, flag, val)
		}
	}
	add("--config", o.Config)
	add("--reference", o.Reference)
	add("--phase", o.Phase)
	add("--mills", o.Mills)
	add("--dbsnp", o.DBSNP)
	add("--cosmic", o.Cosmic)
	add("--output_dir", o.OutputDir)
	add("--ssec", o.SSEC)
	add("--s3_dir", o.S3Dir)
	add("--workDir", o.WorkDir)
	if o.Sudo {
		res = append(res, "--sudo")
	}
	if o.Restart {
		res = append(res, "--restart")
	}
	return append(res, o.Extra...)
}

// CommandLine returns printable command, elements with spaces or quotes get quoted
func (o Options) CommandLine() string {
	name, args := o.Command()
	elems := make([]string, 0, len(args)+1)
	for _, a := range append([]string{name}, args...) {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = strconv.Quote(a)
		}
		elems = append(elems, a)
	}
	return strings.Join(elems, " ")
}

// References returns all reference and variant database locations keyed by flag name
func (o Options) References() map[string]string {
	return map[string]string{
		"reference": o.Reference,
		"phase":     o.Phase,
		"mills":     o.Mills,
		"dbsnp":     o.DBSNP,
		"cosmic":    o.Cosmic,
	}
}

// S3Location splits s3 dir to bucket and key prefix. Accepts both "bucket/path" and "s3://bucket/path"
func (o Options) S3Location() (bucket, prefix string) {
	loc := strings.TrimPrefix(strings.TrimSpace(o.S3Dir), "s3://")
	bucket, prefix, _ = strings.Cut(loc, "/")
	return bucket, prefix
}

// Expand resolves environment variables with lookup function (os.LookupEnv if nil) and then applies
// day templates for ts. Referencing unset variable is an error.
func (o Options) Expand(lookup func(string) (string, bool), ts time.Time) (Options, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	stamp := NewStamp(ts)

	var errs []error
	expand := func(v string) string {
		out := os.Expand(v, func(key string) string {
			val, ok := lookup(key)
			if !ok {
				errs = append(errs, fmt.Errorf("variable %s is not set, used in %q", key, v))
			}
			return val
		})
		out, err := stamp.Apply(out)
		if err != nil {
			errs = append(errs, err)
		}
		return out
	}

	res := o
	for _, fld := range []*string{&res.Python, &res.Script, &res.JobStore, &res.Config, &res.Reference,
		&res.Phase, &res.Mills, &res.DBSNP, &res.Cosmic, &res.OutputDir, &res.SSEC, &res.S3Dir,
		&res.WorkDir, &res.MountDir} {
		*fld = expand(*fld)
	}
	if len(o.Extra) > 0 {
		res.Extra = make([]string, len(o.Extra))
		for i, e := range o.Extra {
			res.Extra[i] = expand(e)
		}
	}

	if len(errs) > 0 {
		return o, errors.Join(errs...)
	}
	return res, nil
}

// Validate checks options consistency, all problems reported together
func (o Options) Validate() error {
	var errs []error
	if o.Script == "" {
		errs = append(errs, errors.New("pipeline script is required"))
	}
	if o.JobStore == "" {
		errs = append(errs, errors.New("job store is required"))
	}
	if o.Config == "" {
		errs = append(errs, errors.New("config file is required"))
	}
	if o.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("retry count can't be negative, got %d", o.RetryCount))
	}
	for _, name := range []string{"reference", "phase", "mills", "dbsnp", "cosmic"} {
		val := o.References()[name]
		if val == "" {
			continue
		}
		if err := checkLocation(val); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
		}
	}
	if o.S3Dir != "" {
		if bucket, _ := o.S3Location(); bucket == "" {
			errs = append(errs, fmt.Errorf("s3 dir %q has no bucket", o.S3Dir))
		}
	}
	return errors.Join(errs...)
}

func checkLocation(loc string) error {
	u, err := url.Parse(loc)
	if err != nil {
		return fmt.Errorf("can't parse %q: %w", loc, err)
	}
	switch u.Scheme {
	case "http", "https", "s3", "ftp":
		if u.Host == "" {
			return fmt.Errorf("no host in %q", loc)
		}
		return nil
	case "file":
		return nil
	default:
		return fmt.Errorf("unsupported scheme %q in %q", u.Scheme, loc)
	}
}
