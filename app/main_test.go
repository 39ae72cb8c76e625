package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/exorun/app/launcher"
	"github.com/umputun/exorun/app/pipeline"
)

const refBase = "https://s3-us-west-2.amazonaws.com/cgl-pipeline-inputs/variant_hg19/"

func Test_makeHostName(t *testing.T) {
	opts.Notify.HostName = "test"
	assert.Equal(t, "test", makeHostName())

	opts.Notify.HostName = ""
	exp, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, exp, makeHostName())
}

func Test_makeNotifier(t *testing.T) {
	resetOpts(t)
	opts.Notify.ToEmails = []string{"test@example.com"}
	assert.Nil(t, makeNotifier())

	opts.Notify.EnabledCompletion = true
	notif := makeNotifier()
	require.NotNil(t, notif)
	assert.True(t, notif.IsOnCompletion())
	assert.Equal(t, "exorun@"+makeHostName(), opts.Notify.FromEmail,
		"side effect of creating notifier with empty From is setting the From based on hostname")

	opts.Notify.ToEmails = nil
	assert.Nil(t, makeNotifier(), "no destinations")
}

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	resetOpts(t)
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	resetOpts(t)
	tmpfile, err := os.CreateTemp(t.TempDir(), "")
	require.NoError(t, err)

	opts.Log.Enabled = true
	opts.Log.Filename = tmpfile.Name()
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, tmpfile.Name(), logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)
}

func Test_runDefaultLaunch(t *testing.T) {
	home, record := prepRun(t)

	out := bytes.Buffer{}
	require.NoError(t, run(context.Background(), nil, &out))

	assert.DirExists(t, filepath.Join(home, "toil_mnt"))
	calls := readCalls(t, record)
	require.Len(t, calls, 1, "pipeline invoked once")
	assert.Equal(t, []string{
		filepath.Join(home, "jstore"),
		"--retryCount", "1",
		"--config", filepath.Join(home, "exome_config.csv"),
		"--reference", refBase + "hg19.fa",
		"--phase", refBase + "1000G_phase1.indels.hg19.sites.vcf",
		"--mills", refBase + "Mills_and_1000G_gold_standard.indels.hg19.sites.vcf",
		"--dbsnp", refBase + "dbsnp_138.hg19.vcf",
		"--cosmic", refBase + "cosmic.hg19.vcf",
		"--output_dir", home + "/",
		"--ssec", filepath.Join(home, "master.key"),
		"--s3_dir", "cgl-driver-projects-encrypted/wcdt/exome_bams/",
		"--workDir", filepath.Join(home, "toil_mnt"),
		"--sudo",
	}, calls[0])
	assert.Contains(t, out.String(), "pipeline started for "+filepath.Join(home, "jstore"))
}

func Test_runExistingMount(t *testing.T) {
	home, record := prepRun(t)
	require.NoError(t, os.MkdirAll(filepath.Join(home, "toil_mnt", "keep"), 0o750))

	require.NoError(t, run(context.Background(), nil, &bytes.Buffer{}))
	assert.DirExists(t, filepath.Join(home, "toil_mnt", "keep"), "existing mount untouched")
	assert.Len(t, readCalls(t, record), 1)
}

func Test_runFileAndFlags(t *testing.T) {
	home, record := prepRun(t)
	opts.File = "testdata/run.yml"
	retry := 5
	opts.Pipeline.RetryCount = &retry
	opts.MkdirOutput = true

	require.NoError(t, run(context.Background(), []string{"--logLevel", "DEBUG"}, &bytes.Buffer{}))

	calls := readCalls(t, record)
	require.Len(t, calls, 1)
	args := strings.Join(calls[0], " ")
	js := filepath.Join(home, "runs", time.Now().Format("20060102"), "jstore")
	assert.True(t, strings.HasPrefix(args, js+" --retryCount 5 "), args)
	assert.Contains(t, args, "--output_dir "+filepath.Join(home, "out"))
	assert.NotContains(t, args, "--sudo")
	assert.True(t, strings.HasSuffix(args, "--workDir "+filepath.Join(home, "toil_mnt")+" --logLevel DEBUG"),
		"command line extra args replace file extra args")
	assert.DirExists(t, filepath.Join(home, "out"))
}

func Test_runDryRun(t *testing.T) {
	home, record := prepRun(t)
	opts.DryRun = true

	out := bytes.Buffer{}
	require.NoError(t, run(context.Background(), nil, &out))
	assert.Contains(t, out.String(), "sh "+*opts.Pipeline.Script+" "+filepath.Join(home, "jstore")+" --retryCount 1")
	assert.NoFileExists(t, record)
	assert.DirExists(t, filepath.Join(home, "toil_mnt"))
}

func Test_runFailureAndResume(t *testing.T) {
	home, record := prepRun(t)
	opts.Resume = filepath.Join(t.TempDir(), "resume")
	opts.HistoryDB = filepath.Join(t.TempDir(), "history.db")
	require.NoError(t, os.MkdirAll(opts.Resume, 0o750))

	t.Setenv("EXIT_CODE", "3")
	err := run(context.Background(), nil, &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, 3, launcher.ExitCode(err))

	opts.Pending = true
	out := bytes.Buffer{}
	require.NoError(t, run(context.Background(), nil, &out))
	assert.Contains(t, out.String(), filepath.Join(home, "jstore"))
	opts.Pending = false

	t.Setenv("EXIT_CODE", "0")
	require.NoError(t, run(context.Background(), nil, &bytes.Buffer{}))
	calls := readCalls(t, record)
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0], "--restart")
	assert.Contains(t, calls[1], "--restart", "interrupted job store restarted")

	opts.History = true
	out.Reset()
	require.NoError(t, run(context.Background(), nil, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "STATUS")
	assert.Contains(t, lines[1], "success")
	assert.Contains(t, lines[2], "failed")
}

func Test_runInvalidOptions(t *testing.T) {
	prepRun(t)
	script := ""
	opts.Pipeline.Script = &script
	err := run(context.Background(), nil, &bytes.Buffer{})
	require.ErrorContains(t, err, "pipeline script is required")
	assert.Equal(t, 1, launcher.ExitCode(err))

	opts.History = true
	require.EqualError(t, run(context.Background(), nil, &bytes.Buffer{}), "history requires --history-db")
}

func Test_runSchema(t *testing.T) {
	resetOpts(t)
	opts.Schema = true
	out := bytes.Buffer{}
	require.NoError(t, run(context.Background(), nil, &out))
	assert.Contains(t, out.String(), `"title": "exorun run file"`)
}

func Test_makeGate(t *testing.T) {
	resetOpts(t)
	assert.Nil(t, makeGate(launcherOptions(t)))

	opts.Resources.DiskFree = 10
	gate := makeGate(launcherOptions(t))
	require.NotNil(t, gate)
	assert.Equal(t, "/data/toil_mnt", gate.DiskPath)
}

func Test_makePreflight(t *testing.T) {
	resetOpts(t)
	checker, err := makePreflight()
	require.NoError(t, err)
	assert.Nil(t, checker)

	opts.Preflight.Samples = true
	opts.Preflight.Timeout = time.Second
	checker, err = makePreflight()
	require.NoError(t, err)
	require.NotNil(t, checker)
	assert.True(t, checker.Samples)
	assert.Equal(t, time.Second, checker.HTTPClient.Timeout)
}

func Test_runParsedDefaults(t *testing.T) {
	home, record := prepParsed(t)

	extra := parseArgs(t)
	assert.Empty(t, extra)
	assert.Nil(t, opts.Pipeline.JobStore, "unset pointer options stay nil")
	assert.Nil(t, opts.Pipeline.RetryCount)
	assert.Equal(t, 1, opts.Attempts)
	assert.Equal(t, 100, opts.Launch.MaxLogLines)

	require.NoError(t, run(context.Background(), extra, &bytes.Buffer{}))
	calls := readCalls(t, record)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{
		filepath.Join(home, "jstore"),
		"--retryCount", "1",
		"--config", filepath.Join(home, "exome_config.csv"),
		"--reference", refBase + "hg19.fa",
		"--phase", refBase + "1000G_phase1.indels.hg19.sites.vcf",
		"--mills", refBase + "Mills_and_1000G_gold_standard.indels.hg19.sites.vcf",
		"--dbsnp", refBase + "dbsnp_138.hg19.vcf",
		"--cosmic", refBase + "cosmic.hg19.vcf",
		"--output_dir", home + "/",
		"--ssec", filepath.Join(home, "master.key"),
		"--s3_dir", "cgl-driver-projects-encrypted/wcdt/exome_bams/",
		"--workDir", filepath.Join(home, "toil_mnt"),
		"--sudo",
	}, calls[0])
}

func Test_runParsedFlagsAndExtra(t *testing.T) {
	home, record := prepParsed(t)

	extra := parseArgs(t, "--pipeline.no-sudo", "--pipeline.retry-count=4", "--", "--maxCores", "8")
	assert.Equal(t, []string{"--maxCores", "8"}, extra)

	require.NoError(t, run(context.Background(), extra, &bytes.Buffer{}))
	calls := readCalls(t, record)
	require.Len(t, calls, 1)
	args := strings.Join(calls[0], " ")
	assert.True(t, strings.HasPrefix(args, filepath.Join(home, "jstore")+" --retryCount 4 "), args)
	assert.NotContains(t, args, "--sudo")
	assert.True(t, strings.HasSuffix(args, "--workDir "+filepath.Join(home, "toil_mnt")+" --maxCores 8"), args)
}

func Test_runParsedEnv(t *testing.T) {
	home, record := prepParsed(t)
	t.Setenv("EXORUN_PIPELINE_JOBSTORE", "${HOME}/js2")
	t.Setenv("EXORUN_PIPELINE_NO_SUDO", "true")
	t.Setenv("EXORUN_ATTEMPTS", "2")

	extra := parseArgs(t)
	require.NotNil(t, opts.Pipeline.JobStore)
	assert.Equal(t, "${HOME}/js2", *opts.Pipeline.JobStore, "expanded at launch, not by the parser")
	assert.Equal(t, 2, opts.Attempts)

	require.NoError(t, run(context.Background(), extra, &bytes.Buffer{}))
	calls := readCalls(t, record)
	require.Len(t, calls, 1)
	assert.Equal(t, filepath.Join(home, "js2"), calls[0][0])
	assert.NotContains(t, calls[0], "--sudo")
	assert.Contains(t, strings.Join(calls[0], " "), "--config "+filepath.Join(home, "exome_config.csv"))
}

// prepParsed sets environment for the parser, pipeline interpreter and script come from env
func prepParsed(t *testing.T) (home, record string) {
	t.Helper()
	resetOpts(t)
	home = t.TempDir()
	record = filepath.Join(t.TempDir(), "record.txt")
	t.Setenv("HOME", home)
	t.Setenv("RECORD_FILE", record)

	script, err := filepath.Abs("testdata/pipeline.sh")
	require.NoError(t, err)
	t.Setenv("EXORUN_PIPELINE_PYTHON", "sh")
	t.Setenv("EXORUN_PIPELINE_SCRIPT", script)
	return home, record
}

func parseArgs(t *testing.T, args ...string) []string {
	t.Helper()
	p := flags.NewParser(&opts, flags.Default)
	extra, err := p.ParseArgs(args)
	require.NoError(t, err)
	require.NotNil(t, opts.Pipeline.Python)
	assert.Equal(t, "sh", *opts.Pipeline.Python)
	return extra
}

func prepRun(t *testing.T) (home, record string) {
	t.Helper()
	resetOpts(t)
	home = t.TempDir()
	record = filepath.Join(t.TempDir(), "record.txt")
	t.Setenv("HOME", home)
	t.Setenv("RECORD_FILE", record)

	script, err := filepath.Abs("testdata/pipeline.sh")
	require.NoError(t, err)
	python := "sh"
	opts.Pipeline.Python = &python
	opts.Pipeline.Script = &script
	return home, record
}

func resetOpts(t *testing.T) {
	t.Helper()
	opts = options{}
	t.Cleanup(func() {
		opts = options{}
		log.Setup(log.Out(os.Stdout), log.Err(os.Stderr))
	})
}

func launcherOptions(t *testing.T) pipeline.Options {
	t.Helper()
	return pipeline.Options{WorkDir: "/data/toil_mnt", MountDir: "/data/toil_mnt"}
}

// readCalls parses record file, each call starts with "---" line
func readCalls(t *testing.T, record string) (res [][]string) {
	t.Helper()
	data, err := os.ReadFile(record) //nolint:gosec // test file
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
		if line == "---" {
			res = append(res, []string{})
			continue
		}
		res[len(res)-1] = append(res[len(res)-1], line)
	}
	return res
}
