//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMailpitE2E(t *testing.T) {
	if os.Getenv("NOTIFY_E2E") == "" {
		t.Skip("set NOTIFY_E2E=1 to enable e2e tests")
	}

	repoRoot, err := findRepoRoot()
	if err != nil {
		t.Fatalf("find repo root: %v", err)
	}

	composeFile := getenv("MAILPIT_COMPOSE_FILE", filepath.Join(repoRoot, "docker-compose.yml"))
	apiBase := strings.TrimRight(getenv("MAILPIT_API_BASE", "http://localhost:8025"), "/")

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := dockerCompose(ctx, repoRoot, composeFile, "up", "-d"); err != nil {
		t.Fatalf("docker compose up: %v", err)
	}
	if os.Getenv("MAILPIT_KEEP_RUNNING") == "" {
		t.Cleanup(func() {
			_ = dockerCompose(context.Background(), repoRoot, composeFile, "down")
		})
	}

	waitForHTTP200(t, ctx, apiBase+"/api/v1/messages")
	_ = httpDo(ctx, http.MethodDelete, apiBase+"/api/v1/messages", nil)

	feedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/feed.xml" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/atom+xml; charset=utf-8")
		_, _ = io.WriteString(w, feedFixtureXML)
	}))
	t.Cleanup(feedServer.Close)

	runID := fmt.Sprintf("%d-%d", time.Now().Unix(), rand.IntN(1_000_000))
	docYAML := strings.ReplaceAll(documentFixtureYAML, "__FEED_URL__", feedServer.URL+"/feed.xml")
	docYAML = strings.ReplaceAll(docYAML, "__RUN_ID__", runID)

	dir := t.TempDir()
	docFile := filepath.Join(dir, "repology-notify.yaml")
	if err := os.WriteFile(docFile, []byte(docYAML), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	notifyEnv := append(os.Environ(),
		"SMTP_HOST=localhost",
		"SMTP_PORT=1025",
		"SMTP_USER=user@example.com",
		"SMTP_PASSWORD=123asdf123",
		"SMTP_TLS_MODE=disabled",
		"STATE_PATH="+filepath.Join(dir, "state.db"),
	)

	run := func() []byte {
		cmd := exec.CommandContext(ctx, "go", "run", "./cmd/repology-notify", "-config", docFile, "-run-once")
		cmd.Dir = repoRoot
		cmd.Env = notifyEnv
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("repology-notify run failed: %v\n%s", err, out)
		}
		return out
	}
	run()

	msgID := waitForMailpitMessageID(t, ctx, apiBase, runID)
	raw := mustHTTPGet(t, ctx, apiBase+"/api/v1/message/"+msgID)

	var msg mailpitMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("parse message json: %v\n%s", err, raw)
	}

	if !strings.Contains(msg.Subject, "libfoo") || !strings.Contains(msg.Subject, runID) {
		t.Fatalf("unexpected subject: %q", msg.Subject)
	}
	body := firstNonEmpty(msg.HTML, msg.Text, msg.Body)
	if !strings.Contains(body, "1.2.0") {
		t.Fatalf("expected upstream version not found in message body")
	}

	// A second run against the same state must not send again.
	run()
	if n := countMailpitMessages(t, ctx, apiBase, runID); n != 1 {
		t.Fatalf("expected exactly one message for run %s, got %d", runID, n)
	}
}

const feedFixtureXML = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Outdated packages</title>
  <id>https://repology.org/maintainer/dev@example.com/feed-for-repo/nix_unstable/atom</id>
  <updated>2024-01-01T00:00:00Z</updated>
  <entry>
    <title>libfoo 1.1.0 is outdated by 1.2.0</title>
    <id>https://repology.org/project/libfoo/versions#1</id>
    <link href="https://repology.org/project/libfoo/versions"/>
    <category term="outdated"/>
    <updated>2024-01-01T00:00:00Z</updated>
    <summary>libfoo is outdated</summary>
  </entry>
</feed>`

const documentFixtureYAML = `maintainer: dev@example.com
repository: nix_unstable
feed_url: "__FEED_URL__"
channels:
  email:
    to: "dev@example.com"
    from: "notify@example.com"
    subject_prefix: "[__RUN_ID__] "
    transport: smtp
templates:
  subject: "{{.Name}} {{.UpstreamVersion}} __RUN_ID__"
`

type mailpitMessagesResponse struct {
	Messages []mailpitMessageSummary `json:"messages"`
}

type mailpitMessageSummary struct {
	ID      string `json:"ID"`
	Subject string `json:"Subject"`
}

type mailpitMessage struct {
	Subject string `json:"Subject"`
	HTML    string `json:"HTML"`
	Text    string `json:"Text"`
	Body    string `json:"Body"`
}

func waitForMailpitMessageID(t *testing.T, ctx context.Context, apiBase string, runID string) string {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		raw := mustHTTPGet(t, ctx, apiBase+"/api/v1/messages")
		var res mailpitMessagesResponse
		_ = json.Unmarshal(raw, &res)
		for _, m := range res.Messages {
			if strings.Contains(m.Subject, runID) && m.ID != "" {
				return m.ID
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for mailpit message with run id %q", runID)
	return ""
}

func countMailpitMessages(t *testing.T, ctx context.Context, apiBase string, runID string) int {
	t.Helper()
	raw := mustHTTPGet(t, ctx, apiBase+"/api/v1/messages")
	var res mailpitMessagesResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("parse messages json: %v", err)
	}
	n := 0
	for _, m := range res.Messages {
		if strings.Contains(m.Subject, runID) {
			n++
		}
	}
	return n
}

func dockerCompose(ctx context.Context, repoRoot string, composeFile string, args ...string) error {
	all := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.CommandContext(ctx, "docker", all...)
	cmd.Dir = repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v: %w\n%s", cmd.Args, err, out)
	}
	return nil
}

func waitForHTTP200(t *testing.T, ctx context.Context, url string) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := http.DefaultClient.Do(req)
		if err == nil && resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", url)
}

func mustHTTPGet(t *testing.T, ctx context.Context, url string) []byte {
	t.Helper()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.Fatalf("GET %s: status=%d body=%s", url, resp.StatusCode, body)
	}
	return body
}

func httpDo(ctx context.Context, method string, url string, body []byte) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, _ := http.NewRequestWithContext(ctx, method, url, r)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status=%d", method, url, resp.StatusCode)
	}
	return nil
}

func findRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		next := filepath.Dir(dir)
		if next == dir {
			break
		}
		dir = next
	}
	return "", errors.New("go.mod not found in parent directories")
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
