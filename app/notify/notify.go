// Package notify delivers pipeline run notifications via email and webhooks
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/umputun/exorun/app/launcher/request"
)

//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . Notifier

// Notifier delivers a message to destinations matching its schema, e.g. "mailto" or "https"
type Notifier interface {
	notify.Notifier
}

// Service sends run notifications to all configured destinations
type Service struct {
	Params
	destinations []notify.Notifier
	fromEmail    string
	toEmail      []string
	webhooks     []string
}

// Params defines what to send
type Params struct {
	EnabledError       bool
	EnabledCompletion  bool
	ErrorTemplate      string // optional file with error template
	CompletionTemplate string // optional file with completion template
}

// SendersParams defines where and how to send
type SendersParams struct {
	notify.SMTPParams
	FromEmail      string
	ToEmails       []string
	Webhooks       []string // http(s) urls, receive the subject line
	WebhookTimeout time.Duration
	Destinations   []Notifier // extra notifiers, matched before the built-in email and webhook ones
}

// NewService makes notification service, returns nil if no destinations set
func NewService(params Params, sp SendersParams) *Service {
	if len(sp.ToEmails) == 0 && len(sp.Webhooks) == 0 {
		return nil
	}

	res := &Service{Params: params, fromEmail: sp.FromEmail, toEmail: sp.ToEmails, webhooks: sp.Webhooks}
	for _, d := range sp.Destinations {
		res.destinations = append(res.destinations, d)
	}
	if len(sp.ToEmails) > 0 {
		res.destinations = append(res.destinations, notify.NewEmail(sp.SMTPParams))
	}
	if len(sp.Webhooks) > 0 {
		timeout := sp.WebhookTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		res.destinations = append(res.destinations, notify.NewWebhook(notify.WebhookParams{Timeout: timeout}))
	}
	return res
}

// Send message to all destinations, email gets subj and html text, webhooks get subj only
func (s *Service) Send(ctx context.Context, subj, text string) error {
	var errs []error
	if len(s.toEmail) > 0 {
		dest := fmt.Sprintf("mailto:%s?from=%s&subject=%s", strings.Join(s.toEmail, ","), s.fromEmail,
			url.QueryEscape(subj))
		if err := notify.Send(ctx, s.destinations, dest, text); err != nil {
			errs = append(errs, err)
		}
	}
	for _, hook := range s.webhooks {
		if err := notify.Send(ctx, s.destinations, hook, subj); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook, err))
		}
	}
	return errors.Join(errs...)
}

// IsOnError status enabling on-error notification
func (s *Service) IsOnError() bool { return s.EnabledError }

// IsOnCompletion status enabling on-completion notification
func (s *Service) IsOnCompletion() bool { return s.EnabledCompletion }

// MakeErrorHTML creates html string from error template for a failed run
func (s *Service) MakeErrorHTML(r request.OnRunComplete) (string, error) {
	return s.render(s.ErrorTemplate, defaultErrorTemplate, r)
}

// MakeCompletionHTML creates html string from completion template for a completed run
func (s *Service) MakeCompletionHTML(r request.OnRunComplete) (string, error) {
	return s.render(s.CompletionTemplate, defaultCompletionTemplate, r)
}

type templateData struct {
	JobStore    string
	CommandLine string
	Host        string
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	ExitCode    int
	Attempts    int
	Output      string
	Error       string
}

func (s *Service) render(file, def string, r request.OnRunComplete) (string, error) {
	data := templateData{
		JobStore:    r.JobStore,
		CommandLine: r.CommandLine,
		Host:        r.Host,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		Duration:    r.Duration().Truncate(time.Second),
		ExitCode:    r.ExitCode,
		Attempts:    r.Attempts,
		Output:      r.Output,
	}
	if r.Err != nil {
		data.Error = r.Err.Error()
	}

	if file != "" {
		res, err := renderFile(file, data)
		if err == nil {
			return res, nil
		}
		log.Printf("[WARN] can't use template %s, fallback to default: %v", file, err)
	}

	t, err := template.New("msg").Parse(def)
	if err != nil {
		return "", fmt.Errorf("can't parse message template: %w", err)
	}
	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

func renderFile(file string, data templateData) (string, error) {
	body, err := os.ReadFile(file) //nolint:gosec // template path from the launcher options
	if err != nil {
		return "", err
	}
	t, err := template.New("msg").Parse(string(body))
	if err != nil {
		return "", fmt.Errorf("can't parse: %w", err)
	}
	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("can't execute: %w", err)
	}
	return buf.String(), nil
}

const htmlHead = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			ul {
				margin-top: -0.5em;
				margin-left: -0.5em;
			}
			pre {
				padding: 0.6em;
				font-size: 0.7em;
				background-color: #E8E2A0;
				font-family: "Menlo";
				overflow-x: auto;
				white-space: pre-wrap;
				word-wrap: break-word;
			}
			.bold {
				color: #882828;
				font-weight: 900;
			}
		</style>
	</head>
`

const defaultErrorTemplate = htmlHead + `
	<body>
		<p>Pipeline failed on <span class="bold">{{.Host}}</span> at {{.EndTime.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Job store: <span class="bold">{{.JobStore}}</span></li>
			<li>Command: <span class="bold">{{.CommandLine}}</span></li>
			<li>Exit code: <span class="bold">{{.ExitCode}}</span>, attempts: {{.Attempts}}, duration: {{.Duration}}</li>
		</ul>
		<p>{{.Error}}</p>
		<pre>
{{.Output}}
		</pre>
	</body>
</html>
`

const defaultCompletionTemplate = htmlHead + `
	<body>
		<p>Pipeline completed on <span class="bold">{{.Host}}</span> at {{.EndTime.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Job store: <span class="bold">{{.JobStore}}</span></li>
			<li>Command: <span class="bold">{{.CommandLine}}</span></li>
			<li>Duration: <span class="bold">{{.Duration}}</span>, attempts: {{.Attempts}}</li>
		</ul>
	</body>
</html>
`
