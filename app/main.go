package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/exorun/app/history"
	"github.com/umputun/exorun/app/launcher"
	ntf "github.com/umputun/exorun/app/notify"
	"github.com/umputun/exorun/app/pipeline"
	"github.com/umputun/exorun/app/preflight"
	"github.com/umputun/exorun/app/resources"
	"github.com/umputun/exorun/app/resumer"
	"github.com/umputun/exorun/app/status"
)

type options struct {
	File        string `short:"f" long:"file" env:"EXORUN_FILE" description:"yaml run file"`
	Mount       string `long:"mount" env:"EXORUN_MOUNT" description:"directory created before launch, defaults to ${HOME}/toil_mnt"`
	MkdirOutput bool   `long:"mkdir-output" env:"EXORUN_MKDIR_OUTPUT" description:"create output directory before launch"`
	DryRun      bool   `long:"dry-run" env:"EXORUN_DRY_RUN" description:"print pipeline command instead of running it"`
	Attempts    int    `long:"attempts" env:"EXORUN_ATTEMPTS" default:"1" description:"how many times launch failed pipeline"`
	Resume      string `short:"r" long:"resume" env:"EXORUN_RESUME" description:"auto-resume location, restarts interrupted local or file: job stores, remote ones by marker only"`
	Pending     bool   `long:"pending" description:"print interrupted runs from auto-resume location and exit"`
	HistoryDB   string `long:"history-db" env:"EXORUN_HISTORY_DB" description:"sqlite file with run history"`
	HistoryKeep int    `long:"history-keep" env:"EXORUN_HISTORY_KEEP" default:"1000" description:"runs kept in history"`
	History     bool   `long:"history" description:"print recent runs and exit"`
	Schema      bool   `long:"schema" description:"print json schema of the run file and exit"`
	Dbg         bool   `long:"dbg" env:"EXORUN_DEBUG" description:"debug mode"`

	Pipeline struct {
		Python     *string `long:"python" env:"PYTHON" description:"interpreter, empty to execute script directly"`
		Script     *string `long:"script" env:"SCRIPT" description:"pipeline script"`
		JobStore   *string `long:"jobstore" env:"JOBSTORE" description:"job store location"`
		RetryCount *int    `long:"retry-count" env:"RETRY_COUNT" description:"retry budget of the pipeline"`
		Config     *string `long:"config" env:"CONFIG" description:"csv file with samples"`
		Reference  *string `long:"reference" env:"REFERENCE" description:"reference genome url"`
		Phase      *string `long:"phase" env:"PHASE" description:"1000G phase indels url"`
		Mills      *string `long:"mills" env:"MILLS" description:"Mills indels url"`
		DBSNP      *string `long:"dbsnp" env:"DBSNP" description:"dbSNP vcf url"`
		Cosmic     *string `long:"cosmic" env:"COSMIC" description:"COSMIC vcf url"`
		OutputDir  *string `long:"output-dir" env:"OUTPUT_DIR" description:"local output directory"`
		SSEC       *string `long:"ssec" env:"SSEC" description:"encryption key file"`
		S3Dir      *string `long:"s3-dir" env:"S3_DIR" description:"remote destination, bucket/prefix"`
		WorkDir    *string `long:"work-dir" env:"WORK_DIR" description:"local scratch directory"`
		NoSudo     bool    `long:"no-sudo" env:"NO_SUDO" description:"don't pass --sudo to the pipeline"`
	} `group:"pipeline" namespace:"pipeline" env-namespace:"EXORUN_PIPELINE"`

	Backoff struct {
		Duration time.Duration `long:"duration" env:"DURATION" default:"1m" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"backoff" namespace:"backoff" env-namespace:"EXORUN_BACKOFF"`

	Launch struct {
		StopTimeout time.Duration `long:"stop-timeout" env:"STOP_TIMEOUT" default:"30s" description:"time given to the pipeline to exit on termination"`
		LogPrefix   bool          `long:"log-prefix" env:"LOG_PREFIX" description:"prefix pipeline output with job store name"`
		MaxLogLines int           `long:"max-log" env:"MAX_LOG" default:"100" description:"pipeline output lines kept for notifications and history"`
	} `group:"launch" namespace:"launch" env-namespace:"EXORUN_LAUNCH"`

	Preflight struct {
		Samples     bool          `long:"samples" env:"SAMPLES" description:"check samples csv"`
		Key         bool          `long:"key" env:"KEY" description:"check ssec key"`
		References  bool          `long:"references" env:"REFERENCES" description:"check reference urls"`
		S3          bool          `long:"s3" env:"S3" description:"check s3 destination bucket"`
		S3Region    string        `long:"s3-region" env:"S3_REGION" default:"us-west-2" description:"s3 region"`
		Concurrency int           `long:"concurrency" env:"CONCURRENCY" default:"4" description:"concurrent reference checks"`
		Timeout     time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"reference check timeout"`
	} `group:"preflight" namespace:"preflight" env-namespace:"EXORUN_PREFLIGHT"`

	Resources struct {
		DiskFree    float64       `long:"disk-free" env:"DISK_FREE" description:"min free space on work dir, GB"`
		Memory      int           `long:"memory" env:"MEMORY" description:"max memory usage, percent"`
		LoadAvg     float64       `long:"load-avg" env:"LOAD_AVG" description:"max 1 minute load average"`
		MaxPostpone time.Duration `long:"max-postpone" env:"MAX_POSTPONE" description:"wait for resources up to this duration"`
		Interval    time.Duration `long:"interval" env:"INTERVAL" default:"30s" description:"resources check interval"`
	} `group:"resources" namespace:"resources" env-namespace:"EXORUN_RESOURCES"`

	Notify struct {
		EnabledError       bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable notifications on errors"`
		EnabledCompletion  bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable completion notifications"`
		SMTPHost           string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort           int           `long:"smtp-port" env:"SMTP_PORT" description:"SMTP port"`
		SMTPUsername       string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword       string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS            bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPStartTLS       bool          `long:"smtp-starttls" env:"SMTP_STARTTLS" description:"enable SMTP StartTLS"`
		SMTPTimeOut        time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		FromEmail          string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails           []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		Webhooks           []string      `long:"webhook" env:"WEBHOOK" description:"webhook url(s)" env-delim:","`
		ErrorTemplate      string        `long:"err-template" env:"ERR_TEMPLATE" description:"error template file"`
		CompletionTemplate string        `long:"complete-template" env:"COMPLETE_TEMPLATE" description:"completion template file"`
		HostName           string        `long:"host" env:"HOSTNAME" description:"host name running exorun"`
		Timeout            time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"notification timeout"`
	} `group:"notify" namespace:"notify" env-namespace:"EXORUN_NOTIFY"`

	Status struct {
		Address      string  `long:"address" env:"ADDRESS" description:"status server address, disabled if empty"`
		PasswordHash string  `long:"password-hash" env:"PASSWORD_HASH" description:"bcrypt hash for basic auth"`
		RateLimit    float64 `long:"rate-limit" env:"RATE_LIMIT" default:"10" description:"requests per second per client"`
	} `group:"status" namespace:"status" env-namespace:"EXORUN_STATUS"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"log to file instead of stdout"`
		Filename        string `long:"filename" env:"FILENAME" default:"exorun.log" description:"file to write logs to"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max size of log file in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of old log files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max days to keep old log files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"EXORUN_LOG"`
}

var opts options

var revision = "unknown"

func main() {
	fmt.Printf("exorun %s\n", revision)

	p := flags.NewParser(&opts, flags.Default)
	p.Usage = "[OPTIONS] [-- extra pipeline arguments]"
	extra, err := p.Parse()
	if err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	out := setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT, SIGTERM and SIGINT

	if err := run(ctx, extra, out); err != nil {
		log.Printf("[ERROR] %v", err)
		cancel()
		os.Exit(launcher.ExitCode(err))
	}
	cancel()
}

// run executes the selected mode, pipeline launch by default
func run(ctx context.Context, extra []string, out io.Writer) error {
	if opts.Schema {
		data, err := pipeline.Schema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	rsm := resumer.New(opts.Resume, opts.Resume != "")
	if opts.Pending {
		return printPending(out, rsm)
	}

	var store *history.Store
	if opts.HistoryDB != "" {
		var err error
		if store, err = history.NewStore(opts.HistoryDB); err != nil {
			return fmt.Errorf("can't open history: %w", err)
		}
		defer store.Close() //nolint:errcheck // read-only after the launch
	}
	if opts.History {
		if store == nil {
			return errors.New("history requires --history-db")
		}
		return printHistory(out, store, 20)
	}

	pipeOpts, err := makeOptions(extra, time.Now())
	if err != nil {
		return err
	}

	l := &launcher.Launcher{
		Options:         pipeOpts,
		MakeOutputDir:   opts.MkdirOutput,
		Resumer:         rsm,
		Repeater:        makeRepeater(),
		Notifier:        makeNotifier(),
		Stdout:          out,
		EnableLogPrefix: opts.Launch.LogPrefix,
		MaxLogLines:     opts.Launch.MaxLogLines,
		NotifyTimeout:   opts.Notify.Timeout,
		StopTimeout:     opts.Launch.StopTimeout,
		HostName:        makeHostName(),
		DryRun:          opts.DryRun,
	}

	checker, err := makePreflight()
	if err != nil {
		return err
	}
	if checker != nil {
		l.Preflight = checker
	}

	if gate := makeGate(pipeOpts); gate != nil {
		l.Gate = gate
	}

	if store != nil {
		l.EventHandlers = append(l.EventHandlers, &history.Recorder{Store: store, Keep: opts.HistoryKeep})
	}

	if opts.Status.Address != "" && !opts.DryRun {
		srv := status.New(status.Config{
			Address:      opts.Status.Address,
			PasswordHash: opts.Status.PasswordHash,
			Version:      revision,
			RateLimit:    opts.Status.RateLimit,
			Output:       l.LiveOutput,
		})
		if store != nil {
			srv.History = store
		}
		l.EventHandlers = append(l.EventHandlers, srv)

		srvCtx, srvCancel := context.WithCancel(ctx)
		defer srvCancel()
		go func() {
			if err := srv.Run(srvCtx); err != nil {
				log.Printf("[WARN] %v", err)
			}
		}()
	}

	return l.Do(ctx)
}

// makeOptions layers pipeline defaults, the run file and the command line, then expands templates
func makeOptions(extra []string, ts time.Time) (pipeline.Options, error) {
	res := pipeline.Defaults()
	if opts.File != "" {
		f, err := pipeline.LoadFile(opts.File)
		if err != nil {
			return pipeline.Options{}, err
		}
		res = f.Apply(res)
	}

	p := opts.Pipeline
	set := func(dst, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&res.Python, p.Python)
	set(&res.Script, p.Script)
	set(&res.JobStore, p.JobStore)
	set(&res.Config, p.Config)
	set(&res.Reference, p.Reference)
	set(&res.Phase, p.Phase)
	set(&res.Mills, p.Mills)
	set(&res.DBSNP, p.DBSNP)
	set(&res.Cosmic, p.Cosmic)
	set(&res.OutputDir, p.OutputDir)
	set(&res.SSEC, p.SSEC)
	set(&res.S3Dir, p.S3Dir)
	set(&res.WorkDir, p.WorkDir)
	if p.RetryCount != nil {
		res.RetryCount = *p.RetryCount
	}
	if p.NoSudo {
		res.Sudo = false
	}
	if opts.Mount != "" {
		res.MountDir = opts.Mount
	}
	if len(extra) > 0 {
		res.Extra = extra
	}

	res, err := res.Expand(nil, ts)
	if err != nil {
		return pipeline.Options{}, fmt.Errorf("can't expand options: %w", err)
	}
	if err := res.Validate(); err != nil {
		return pipeline.Options{}, fmt.Errorf("invalid options: %w", err)
	}
	return res, nil
}

func makeRepeater() launcher.Repeater {
	if opts.Attempts <= 1 {
		return repeater.New(&strategy.Once{})
	}
	return repeater.New(&strategy.Backoff{Repeats: opts.Attempts, Duration: opts.Backoff.Duration,
		Factor: opts.Backoff.Factor, Jitter: opts.Backoff.Jitter})
}

func makePreflight() (*preflight.Checker, error) {
	res := &preflight.Checker{
		Samples:     opts.Preflight.Samples,
		SSECKey:     opts.Preflight.Key,
		References:  opts.Preflight.References,
		S3:          opts.Preflight.S3,
		Concurrency: opts.Preflight.Concurrency,
	}
	if !res.Enabled() {
		return nil, nil
	}
	if opts.Preflight.Timeout > 0 {
		res.HTTPClient = &http.Client{Timeout: opts.Preflight.Timeout}
	}
	if res.S3 {
		api, err := preflight.NewS3API(opts.Preflight.S3Region)
		if err != nil {
			return nil, err
		}
		res.S3API = api
	}
	return res, nil
}

func makeGate(pipeOpts pipeline.Options) *resources.Gate {
	cfg := resources.Config{
		DiskFreeGB:    opts.Resources.DiskFree,
		DiskPath:      pipeOpts.WorkDir,
		MemoryBelow:   opts.Resources.Memory,
		LoadAvgBelow:  opts.Resources.LoadAvg,
		MaxPostpone:   opts.Resources.MaxPostpone,
		CheckInterval: opts.Resources.Interval,
	}
	if !cfg.Enabled() {
		return nil
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = pipeOpts.MountDir
	}
	return resources.New(cfg)
}

func makeNotifier() *ntf.Service {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion {
		return nil
	}

	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "exorun@" + makeHostName()
	}

	return ntf.NewService(ntf.Params{
		EnabledError:       opts.Notify.EnabledError,
		EnabledCompletion:  opts.Notify.EnabledCompletion,
		ErrorTemplate:      opts.Notify.ErrorTemplate,
		CompletionTemplate: opts.Notify.CompletionTemplate,
	}, ntf.SendersParams{
		SMTPParams: notify.SMTPParams{
			Host:        opts.Notify.SMTPHost,
			Port:        opts.Notify.SMTPPort,
			TLS:         opts.Notify.SMTPTLS,
			StartTLS:    opts.Notify.SMTPStartTLS,
			ContentType: "text/html",
			Charset:     "UTF-8",
			Username:    opts.Notify.SMTPUsername,
			Password:    opts.Notify.SMTPPassword,
			TimeOut:     opts.Notify.SMTPTimeOut,
		},
		FromEmail:      opts.Notify.FromEmail,
		ToEmails:       opts.Notify.ToEmails,
		Webhooks:       opts.Notify.Webhooks,
		WebhookTimeout: opts.Notify.Timeout,
	})
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func printHistory(w io.Writer, store *history.Store, limit int) error {
	runs, err := store.List(limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tSTATUS\tEXIT\tJOB STORE")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%v\t%s\t%d\t%s\n", r.ID, r.StartedAt.Format(time.RFC3339), r.Duration(), r.Status,
			r.ExitCode, r.JobStore)
	}
	return tw.Flush()
}

func printPending(w io.Writer, rsm *resumer.Resumer) error {
	if opts.Resume == "" {
		return errors.New("pending requires --resume")
	}
	for _, r := range rsm.List() {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", r.Started.Format(time.RFC3339), r.JobStore, r.Command); err != nil {
			return err
		}
	}
	return nil
}

// setupLogs configures lgr and returns writer shared by logs and pipeline output
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	logOpts := []log.Option{log.Msec, log.LevelBraces, log.Out(out), log.Err(out)}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}
	if opts.Notify.SMTPPassword != "" {
		logOpts = append(logOpts, log.Secret(opts.Notify.SMTPPassword))
	}
	log.Setup(logOpts...)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] %v received, stopping pipeline", sig)
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
