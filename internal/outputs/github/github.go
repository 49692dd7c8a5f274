// Package github opens one GitHub issue per outdated package.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bakkerme/repology-notify/internal/core"
)

const DefaultAPIURL = "https://api.github.com"

type Config struct {
	Name    string
	Enabled bool
	// Repo is "owner/name".
	Repo   string
	Token  string
	APIURL string
	Labels []string
	// LabelFields names payload fields turned into "<field>:<value>" labels.
	LabelFields       []string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
}

type Channel struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
}

func NewChannel(cfg Config) (*Channel, error) {
	if cfg.Name == "" {
		cfg.Name = "github"
	}
	if cfg.Enabled {
		if err := ValidateRepo(cfg.Repo); err != nil {
			return nil, err
		}
		if cfg.Token == "" {
			return nil, fmt.Errorf("github token is required")
		}
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		// Content-creating requests are limited to roughly one per second.
		cfg.RequestsPerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "repology-notify/0.1"
	}
	return &Channel{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}, nil
}

func ValidateRepo(repo string) error {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("github repo %q must be in owner/name form", repo)
	}
	return nil
}

func (c *Channel) Name() string {
	return c.config.Name
}

func (c *Channel) Enabled() bool {
	return c.config.Enabled
}

type issueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// StatusError is a non-201 answer from the issues API.
type StatusError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("github: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("github: %s (status %d): %s", e.Message, e.StatusCode, e.Body)
}

func (c *Channel) Send(ctx context.Context, payload core.Payload) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	data, err := json.Marshal(issueRequest{
		Title:  payload.Subject,
		Body:   payload.Body,
		Labels: c.labels(payload),
	})
	if err != nil {
		return fmt.Errorf("marshal issue: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/issues", c.config.APIURL, c.config.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.config.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return &StatusError{StatusCode: resp.StatusCode, Message: "authentication failed, check the token"}
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return &StatusError{StatusCode: resp.StatusCode, Message: "rate limit exceeded or access denied", Body: strings.TrimSpace(string(body))}
	default:
		return &StatusError{StatusCode: resp.StatusCode, Message: "unexpected response", Body: strings.TrimSpace(string(body))}
	}
}

func (c *Channel) labels(payload core.Payload) []string {
	labels := append([]string(nil), c.config.Labels...)
	for _, field := range c.config.LabelFields {
		if v := payload.Fields[field]; v != "" {
			labels = append(labels, field+":"+v)
		}
	}
	return labels
}
