package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bakkerme/repology-notify/internal/core"
	"github.com/bakkerme/repology-notify/internal/dedupe"
	"github.com/bakkerme/repology-notify/internal/filter"
	"github.com/bakkerme/repology-notify/internal/outputs/email"
	"github.com/bakkerme/repology-notify/internal/outputs/github"
	"github.com/bakkerme/repology-notify/internal/trigger"
)

const (
	DefaultInterval = 300 * time.Second

	StateBackendSQLite = "sqlite"
	StateBackendFile   = "file"
	StateBackendBadger = "badger"

	EmailTransportSendmail = "sendmail"
	EmailTransportSMTP     = "smtp"

	DefaultLocalChannelName  = "local"
	DefaultEmailChannelName  = "email"
	DefaultGitHubChannelName = "github"
)

// Document represents the top-level structure of a repology-notify.yaml file
type Document struct {
	Maintainer string `yaml:"maintainer"`
	Repository string `yaml:"repository"`
	// FeedURL replaces the feed derived from maintainer and repository.
	FeedURL string `yaml:"feed_url,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`

	// Schedule is a cron expression. It defaults to "@every <interval>".
	Schedule string   `yaml:"schedule,omitempty"`
	Timezone string   `yaml:"timezone,omitempty"`
	Interval Duration `yaml:"interval,omitempty"`

	BaselineOnFirstRun bool `yaml:"baseline_on_first_run,omitempty"`

	State     StateConfig          `yaml:"state,omitempty"`
	Dispatch  DispatchConfig       `yaml:"dispatch,omitempty"`
	Filters   []filter.Rule        `yaml:"filters,omitempty"`
	Channels  ChannelsConfig       `yaml:"channels,omitempty"`
	Templates TemplatesConfig      `yaml:"templates,omitempty"`
	Snapshot  *core.SnapshotConfig `yaml:"snapshot,omitempty"`
	HTTP      HTTPConfig           `yaml:"http,omitempty"`
}

// StateConfig selects the seen-set backend.
type StateConfig struct {
	Backend string `yaml:"backend,omitempty"`
	// Path is a database file, a JSON file or a badger directory depending on
	// the backend. An empty badger path keeps state in memory.
	Path  string `yaml:"path,omitempty"`
	Table string `yaml:"table,omitempty"`
	// LockPath guards the state against concurrent processes.
	LockPath string `yaml:"lock_path,omitempty"`
}

type DispatchConfig struct {
	Timeout         Duration `yaml:"timeout,omitempty"`
	BreakerFailures int      `yaml:"breaker_failures,omitempty"`
	BreakerTimeout  Duration `yaml:"breaker_timeout,omitempty"`
}

type ChannelsConfig struct {
	Local  *LocalChannel  `yaml:"local,omitempty"`
	Email  *EmailChannel  `yaml:"email,omitempty"`
	GitHub *GitHubChannel `yaml:"github,omitempty"`
}

type LocalChannel struct {
	Name    string `yaml:"name,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// EmailChannel defines email delivery configuration
type EmailChannel struct {
	Name          string `yaml:"name,omitempty"`
	Enabled       *bool  `yaml:"enabled,omitempty"`
	To            string `yaml:"to"`
	From          string `yaml:"from,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
	Transport     string `yaml:"transport,omitempty"`
	SendmailPath  string `yaml:"sendmail_path,omitempty"`
	SMTPHost      string `yaml:"smtp_host,omitempty"`
	SMTPPort      int    `yaml:"smtp_port,omitempty"`
	SMTPUser      string `yaml:"smtp_user,omitempty"`
	SMTPPassword  string `yaml:"smtp_password,omitempty"`
	SMTPTLSMode   string `yaml:"smtp_tls_mode,omitempty"`
}

type GitHubChannel struct {
	Name        string   `yaml:"name,omitempty"`
	Enabled     *bool    `yaml:"enabled,omitempty"`
	Repo        string   `yaml:"repo"`
	Token       string   `yaml:"token,omitempty"`
	APIURL      string   `yaml:"api_url,omitempty"`
	Labels      []string `yaml:"labels,omitempty"`
	LabelFields []string `yaml:"label_fields,omitempty"`
}

// TemplatesConfig overrides the notification subject and body. Both use
// text/template syntax over a package status.
type TemplatesConfig struct {
	Subject string `yaml:"subject,omitempty"`
	Body    string `yaml:"body,omitempty"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// Overrides carries command-line values. Non-zero fields win over the
// document.
type Overrides struct {
	Maintainer string
	Repository string
	Interval   time.Duration
	Email      string
	GitHubRepo string
	Token      string
	StatePath  string
	Listen     string
}

// Load reads a document from path. A missing file yields an empty document so
// that flags and environment alone can configure a run.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &doc, nil
}

func boolValue(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func (c *LocalChannel) IsEnabled() bool  { return c != nil && boolValue(c.Enabled, true) }
func (c *EmailChannel) IsEnabled() bool  { return c != nil && boolValue(c.Enabled, true) }
func (c *GitHubChannel) IsEnabled() bool { return c != nil && boolValue(c.Enabled, true) }

// ApplyOverrides merges flag values into the document.
func (d *Document) ApplyOverrides(o Overrides) {
	if o.Maintainer != "" {
		d.Maintainer = o.Maintainer
	}
	if o.Repository != "" {
		d.Repository = o.Repository
	}
	if o.Interval > 0 {
		d.Interval = Duration(o.Interval)
		d.Schedule = ""
	}
	if o.Email != "" {
		if d.Channels.Email == nil {
			d.Channels.Email = &EmailChannel{}
		}
		d.Channels.Email.To = o.Email
	}
	if o.GitHubRepo != "" {
		if d.Channels.GitHub == nil {
			d.Channels.GitHub = &GitHubChannel{}
		}
		d.Channels.GitHub.Repo = o.GitHubRepo
	}
	if o.Token != "" && d.Channels.GitHub != nil {
		d.Channels.GitHub.Token = o.Token
	}
	if o.StatePath != "" {
		d.State.Path = o.StatePath
	}
	if o.Listen != "" {
		d.HTTP.Listen = o.Listen
	}
}

// ApplyEnv fills fields the document leaves empty from the environment.
func (d *Document) ApplyEnv(env EnvConfig) {
	if d.Maintainer == "" {
		d.Maintainer = env.Repology.Maintainer
	}
	if d.Repository == "" {
		d.Repository = env.Repology.Repository
	}
	if d.BaseURL == "" {
		d.BaseURL = env.Repology.BaseURL
	}
	if d.Interval == 0 && env.Repology.Interval > 0 {
		d.Interval = Duration(env.Repology.Interval)
	}
	if d.State.Backend == "" {
		d.State.Backend = env.State.Backend
	}
	if d.State.Path == "" {
		d.State.Path = env.State.Path
	}
	if d.HTTP.Listen == "" {
		d.HTTP.Listen = env.HTTPListen
	}
	if gh := d.Channels.GitHub; gh != nil {
		if gh.Token == "" {
			gh.Token = env.GitHub.Token
		}
		if gh.APIURL == "" {
			gh.APIURL = env.GitHub.APIURL
		}
	}
	if em := d.Channels.Email; em != nil && em.Transport == EmailTransportSMTP {
		if em.SMTPHost == "" {
			em.SMTPHost = env.SMTP.Host
		}
		if em.SMTPPort == 0 {
			em.SMTPPort = env.SMTP.Port
		}
		if em.SMTPUser == "" {
			em.SMTPUser = env.SMTP.User
		}
		if em.SMTPPassword == "" {
			em.SMTPPassword = env.SMTP.Password
		}
		if em.SMTPTLSMode == "" {
			em.SMTPTLSMode = env.SMTP.TLSMode
		}
	}
}

// ApplyDefaults fills the remaining zero values. With no channel configured
// at all, notifications go to the local channel.
func (d *Document) ApplyDefaults() {
	if d.Interval <= 0 {
		d.Interval = Duration(DefaultInterval)
	}
	if d.Schedule == "" {
		d.Schedule = "@every " + d.Interval.Std().String()
	}
	if d.State.Backend == "" {
		d.State.Backend = StateBackendSQLite
	}
	if d.State.Path == "" {
		switch d.State.Backend {
		case StateBackendFile:
			d.State.Path = "repology-notify-state.json"
		case StateBackendBadger:
			d.State.Path = "repology-notify-state"
		default:
			d.State.Path = "repology-notify.db"
		}
	}
	if d.State.LockPath == "" {
		d.State.LockPath = defaultLockPath(d.State.Backend, d.State.Path)
	}
	if d.Channels.Local == nil && d.Channels.Email == nil && d.Channels.GitHub == nil {
		d.Channels.Local = &LocalChannel{}
	}
	if d.Channels.Local != nil && d.Channels.Local.Name == "" {
		d.Channels.Local.Name = DefaultLocalChannelName
	}
	if em := d.Channels.Email; em != nil {
		if em.Name == "" {
			em.Name = DefaultEmailChannelName
		}
		if em.Transport == "" {
			em.Transport = EmailTransportSendmail
		}
		if em.SubjectPrefix == "" {
			em.SubjectPrefix = email.DefaultSubjectPrefix
		}
	}
	if gh := d.Channels.GitHub; gh != nil && gh.Name == "" {
		gh.Name = DefaultGitHubChannelName
	}
	if gh := d.Channels.GitHub; gh != nil && gh.LabelFields == nil {
		gh.LabelFields = []string{"repository"}
	}
}

// Validate performs validation on the document. Call it after the overrides
// and defaults have been applied.
func (d *Document) Validate() error {
	if d.FeedURL == "" {
		if d.Maintainer == "" {
			return fmt.Errorf("maintainer is required")
		}
		if d.Repository == "" {
			return fmt.Errorf("repository is required")
		}
	}
	if err := trigger.NewCronTrigger(d.Schedule, d.Timezone, false).Validate(); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}

	switch d.State.Backend {
	case StateBackendSQLite, StateBackendFile, StateBackendBadger:
	default:
		return fmt.Errorf("state: unknown backend %q (expected sqlite, file or badger)", d.State.Backend)
	}
	if d.State.Backend != StateBackendBadger && d.State.Path == "" {
		return fmt.Errorf("state: path is required for the %s backend", d.State.Backend)
	}
	if d.Dispatch.Timeout < 0 || d.Dispatch.BreakerTimeout < 0 || d.Dispatch.BreakerFailures < 0 {
		return fmt.Errorf("dispatch: timeouts and breaker_failures must not be negative")
	}

	for i, rule := range d.Filters {
		if rule.Action == "" {
			rule.Action = filter.ActionDrop
		}
		if _, err := filter.Compile(rule); err != nil {
			return fmt.Errorf("filter %d: %w", i, err)
		}
	}

	names := map[string]bool{}
	configured := 0
	claim := func(name string) error {
		if names[name] {
			return fmt.Errorf("channel name %q is used twice", name)
		}
		names[name] = true
		configured++
		return nil
	}

	if local := d.Channels.Local; local != nil {
		if err := claim(local.Name); err != nil {
			return err
		}
	}
	if em := d.Channels.Email; em != nil {
		if err := claim(em.Name); err != nil {
			return err
		}
		if em.IsEnabled() {
			if em.To == "" {
				return fmt.Errorf("channel email: 'to' field is required")
			}
			if _, err := mail.ParseAddress(em.To); err != nil {
				return fmt.Errorf("channel email: invalid to address")
			}
		}
		if em.From != "" { // From is optional, but if provided must be valid
			if _, err := mail.ParseAddress(em.From); err != nil {
				return fmt.Errorf("channel email: invalid from address")
			}
		}
		switch em.Transport {
		case EmailTransportSendmail:
		case EmailTransportSMTP:
			if em.IsEnabled() && em.SMTPHost == "" {
				return fmt.Errorf("channel email: smtp_host is required for the smtp transport")
			}
		default:
			return fmt.Errorf("channel email: unknown transport %q (expected sendmail or smtp)", em.Transport)
		}
	}
	if gh := d.Channels.GitHub; gh != nil {
		if err := claim(gh.Name); err != nil {
			return err
		}
		if gh.IsEnabled() {
			if err := github.ValidateRepo(gh.Repo); err != nil {
				return fmt.Errorf("channel github: %w", err)
			}
			if gh.Token == "" {
				return fmt.Errorf("channel github: token (-t or GITHUB_TOKEN) is required if using GitHub notifications")
			}
		}
	}
	if configured == 0 {
		return fmt.Errorf("at least one channel is required")
	}

	if err := validateSnapshotConfig("snapshot", d.Snapshot); err != nil {
		return err
	}
	return d.validateTemplates()
}

// ChannelNames lists configured channel names in dispatch order.
func (d *Document) ChannelNames() []string {
	var names []string
	if d.Channels.Local != nil {
		names = append(names, d.Channels.Local.Name)
	}
	if d.Channels.Email != nil {
		names = append(names, d.Channels.Email.Name)
	}
	if d.Channels.GitHub != nil {
		names = append(names, d.Channels.GitHub.Name)
	}
	return names
}

func validateSnapshotConfig(label string, cfg *core.SnapshotConfig) error {
	if cfg == nil {
		return nil
	}
	if cfg.Snapshot && cfg.Restore {
		return fmt.Errorf("%s: snapshot and restore cannot both be true", label)
	}
	if (cfg.Snapshot || cfg.Restore) && cfg.Path == "" {
		return fmt.Errorf("%s: snapshot path is required", label)
	}
	return nil
}

// defaultLockPath places the lock next to the state on disk. In-memory SQLite
// databases get no lock.
func defaultLockPath(backend, path string) string {
	if backend == StateBackendSQLite {
		path = dedupe.SQLitePath(path)
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		return ""
	}
	return path + ".lock"
}
