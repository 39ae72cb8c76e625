package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// File is a yaml run file. Only fields set in the file override options, so each field is a pointer.
type File struct {
	Python     *string  `yaml:"python,omitempty" json:"python,omitempty" jsonschema:"description=interpreter used to run the pipeline script"`
	Script     *string  `yaml:"script,omitempty" json:"script,omitempty" jsonschema:"description=pipeline script path"`
	JobStore   *string  `yaml:"jobstore,omitempty" json:"jobstore,omitempty" jsonschema:"description=job store location passed as the first argument"`
	RetryCount *int     `yaml:"retry_count,omitempty" json:"retry_count,omitempty" jsonschema:"minimum=0,description=retry budget of the pipeline"`
	Config     *string  `yaml:"config,omitempty" json:"config,omitempty" jsonschema:"description=csv file with samples"`
	Reference  *string  `yaml:"reference,omitempty" json:"reference,omitempty" jsonschema:"description=reference genome url"`
	Phase      *string  `yaml:"phase,omitempty" json:"phase,omitempty" jsonschema:"description=1000G phase indels url"`
	Mills      *string  `yaml:"mills,omitempty" json:"mills,omitempty" jsonschema:"description=Mills gold standard indels url"`
	DBSNP      *string  `yaml:"dbsnp,omitempty" json:"dbsnp,omitempty" jsonschema:"description=dbSNP vcf url"`
	Cosmic     *string  `yaml:"cosmic,omitempty" json:"cosmic,omitempty" jsonschema:"description=COSMIC vcf url"`
	OutputDir  *string  `yaml:"output_dir,omitempty" json:"output_dir,omitempty" jsonschema:"description=local output directory"`
	SSEC       *string  `yaml:"ssec,omitempty" json:"ssec,omitempty" jsonschema:"description=encryption key file"`
	S3Dir      *string  `yaml:"s3_dir,omitempty" json:"s3_dir,omitempty" jsonschema:"description=remote destination as bucket/prefix"`
	WorkDir    *string  `yaml:"work_dir,omitempty" json:"work_dir,omitempty" jsonschema:"description=local scratch directory"`
	Sudo       *bool    `yaml:"sudo,omitempty" json:"sudo,omitempty" jsonschema:"description=run pipeline tools with elevated privileges"`
	MountDir   *string  `yaml:"mount_dir,omitempty" json:"mount_dir,omitempty" jsonschema:"description=directory created before launch"`
	Extra      []string `yaml:"extra,omitempty" json:"extra,omitempty" jsonschema:"description=extra arguments appended as is"`
}

// LoadFile reads yaml run file. Unknown fields rejected to catch typos early.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from the command line
	if err != nil {
		return File{}, fmt.Errorf("can't read run file %s: %w", path, err)
	}
	var res File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&res); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("can't parse run file %s: %w", path, err)
	}
	return res, nil
}

// Apply overrides options with values set in the file
func (f File) Apply(o Options) Options {
	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setStr(&o.Python, f.Python)
	setStr(&o.Script, f.Script)
	setStr(&o.JobStore, f.JobStore)
	setStr(&o.Config, f.Config)
	setStr(&o.Reference, f.Reference)
	setStr(&o.Phase, f.Phase)
	setStr(&o.Mills, f.Mills)
	setStr(&o.DBSNP, f.DBSNP)
	setStr(&o.Cosmic, f.Cosmic)
	setStr(&o.OutputDir, f.OutputDir)
	setStr(&o.SSEC, f.SSEC)
	setStr(&o.S3Dir, f.S3Dir)
	setStr(&o.WorkDir, f.WorkDir)
	setStr(&o.MountDir, f.MountDir)
	if f.RetryCount != nil {
		o.RetryCount = *f.RetryCount
	}
	if f.Sudo != nil {
		o.Sudo = *f.Sudo
	}
	if len(f.Extra) > 0 {
		o.Extra = append([]string{}, f.Extra...)
	}
	return o
}

// Schema returns json schema of the run file
func Schema() ([]byte, error) {
	schema := jsonschema.Reflect(&File{})
	schema.Title = "exorun run file"
	schema.Description = "Options of the exome variant pipeline launch"
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
