package factory

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bakkerme/repology-notify/internal/config"
	"github.com/bakkerme/repology-notify/internal/core"
	"github.com/bakkerme/repology-notify/internal/dedupe"
	"github.com/bakkerme/repology-notify/internal/dispatch"
	"github.com/bakkerme/repology-notify/internal/filter"
	"github.com/bakkerme/repology-notify/internal/outputs"
	"github.com/bakkerme/repology-notify/internal/outputs/email"
	"github.com/bakkerme/repology-notify/internal/outputs/email/sendmail"
	"github.com/bakkerme/repology-notify/internal/outputs/email/smtp"
	"github.com/bakkerme/repology-notify/internal/outputs/github"
	"github.com/bakkerme/repology-notify/internal/outputs/local"
	"github.com/bakkerme/repology-notify/internal/payload"
	"github.com/bakkerme/repology-notify/internal/runner"
	"github.com/bakkerme/repology-notify/internal/runner/snapshot"
	"github.com/bakkerme/repology-notify/internal/sources/repology"
	"github.com/bakkerme/repology-notify/internal/sources/rss"
	rssimpl "github.com/bakkerme/repology-notify/internal/sources/rss/impl"
	"github.com/bakkerme/repology-notify/internal/trigger"
)

type Factory struct {
	Logger     *slog.Logger
	Env        config.EnvConfig
	RSSFetcher rss.Fetcher
	// EmailSender replaces the transport named in the document when set.
	EmailSender email.Sender
	Stdout      io.Writer
}

func NewFromEnvConfig(logger *slog.Logger, env config.EnvConfig) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		Logger:     logger,
		Env:        env,
		RSSFetcher: rssimpl.NewFetcher(env.Repology.HTTPTimeout, env.Repology.UserAgent),
		Stdout:     os.Stdout,
	}
}

// Built holds everything a process needs to run cycles. Close releases the
// store.
type Built struct {
	Runner  *runner.Runner
	Trigger core.Trigger
	Store   dedupe.Store
}

func (b *Built) Close() error {
	if b == nil || b.Store == nil {
		return nil
	}
	return b.Store.Close()
}

// Build wires a runner from a validated document.
func (f *Factory) Build(doc *config.Document) (*Built, error) {
	source, err := f.NewSource(doc)
	if err != nil {
		return nil, err
	}
	rules, err := filter.New(f.Logger, doc.Filters)
	if err != nil {
		return nil, err
	}
	builder, err := payload.NewBuilder(doc.Templates.Subject, doc.Templates.Body)
	if err != nil {
		return nil, err
	}
	channels, err := f.NewChannels(doc)
	if err != nil {
		return nil, err
	}
	store, err := f.NewStore(doc)
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.New(f.Logger, dispatch.Config{
		Timeout:         doc.Dispatch.Timeout.Std(),
		BreakerFailures: uint32(doc.Dispatch.BreakerFailures),
		BreakerTimeout:  doc.Dispatch.BreakerTimeout.Std(),
	})

	r, err := runner.New(f.Logger, runner.Deps{
		Source:     source,
		Filter:     rules,
		Store:      store,
		Lock:       dedupe.NewFileLock(doc.State.LockPath),
		Builder:    builder,
		Dispatcher: dispatcher,
		Channels:   channels,
	}, runner.Config{BaselineOnFirstRun: doc.BaselineOnFirstRun})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Built{
		Runner:  r,
		Trigger: trigger.NewCronTrigger(doc.Schedule, doc.Timezone, true),
		Store:   store,
	}, nil
}

func (f *Factory) NewSource(doc *config.Document) (core.Source, error) {
	source, err := repology.New(f.Logger, f.RSSFetcher, repology.Config{
		BaseURL:    doc.BaseURL,
		Maintainer: doc.Maintainer,
		Repository: doc.Repository,
		FeedURL:    doc.FeedURL,
		UserAgent:  f.Env.Repology.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	return snapshot.WrapSource(f.Logger, source, doc.Snapshot), nil
}

func (f *Factory) NewStore(doc *config.Document) (dedupe.Store, error) {
	switch doc.State.Backend {
	case config.StateBackendSQLite:
		return dedupe.NewSQLiteStore(doc.State.Path, doc.State.Table)
	case config.StateBackendFile:
		return dedupe.NewFileStore(doc.State.Path)
	case config.StateBackendBadger:
		return dedupe.NewBadgerStore(doc.State.Path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", doc.State.Backend)
	}
}

// NewChannels builds the configured channels in dispatch order: local, email,
// github.
func (f *Factory) NewChannels(doc *config.Document) ([]outputs.Channel, error) {
	var channels []outputs.Channel

	if cfg := doc.Channels.Local; cfg != nil {
		channels = append(channels, local.NewWithWriter(cfg.Name, cfg.IsEnabled(), f.Stdout))
	}

	if cfg := doc.Channels.Email; cfg != nil {
		ch, err := f.newEmailChannel(cfg)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	if cfg := doc.Channels.GitHub; cfg != nil {
		ch, err := github.NewChannel(github.Config{
			Name:        cfg.Name,
			Enabled:     cfg.IsEnabled(),
			Repo:        cfg.Repo,
			Token:       cfg.Token,
			APIURL:      cfg.APIURL,
			Labels:      cfg.Labels,
			LabelFields: cfg.LabelFields,
		})
		if err != nil {
			return nil, fmt.Errorf("github channel: %w", err)
		}
		channels = append(channels, ch)
	}

	return channels, nil
}

func (f *Factory) newEmailChannel(cfg *config.EmailChannel) (*email.Channel, error) {
	from := cfg.From
	if from == "" {
		from = sendmail.DefaultFrom()
	}

	sender := f.EmailSender
	if sender == nil {
		switch cfg.Transport {
		case config.EmailTransportSMTP:
			smtpSender, err := smtp.NewSender(smtp.Config{
				Host:               cfg.SMTPHost,
				Port:               cfg.SMTPPort,
				Username:           cfg.SMTPUser,
				Password:           cfg.SMTPPassword,
				TLSMode:            cfg.SMTPTLSMode,
				InsecureSkipVerify: f.Env.SMTP.InsecureSkipVerify,
			})
			if err != nil {
				if cfg.IsEnabled() {
					return nil, fmt.Errorf("email channel: %w", err)
				}
				// Disabled channels never send.
				smtpSender = new(smtp.Sender)
			}
			sender = smtpSender
		default:
			if cfg.IsEnabled() {
				if err := sendmail.Validate(cfg.SendmailPath); err != nil {
					return nil, fmt.Errorf("email channel: %w", err)
				}
			}
			sender = sendmail.NewSender(cfg.SendmailPath, from)
		}
	}

	ch, err := email.NewChannel(email.ChannelConfig{
		Name:          cfg.Name,
		Enabled:       cfg.IsEnabled(),
		From:          from,
		To:            cfg.To,
		SubjectPrefix: cfg.SubjectPrefix,
	}, sender)
	if err != nil {
		return nil, fmt.Errorf("email channel: %w", err)
	}
	return ch, nil
}
