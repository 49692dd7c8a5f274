package payload

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bakkerme/repology-notify/internal/core"
	"github.com/bakkerme/repology-notify/internal/diff"
)

func sampleStatus() core.PackageStatus {
	return core.PackageStatus{
		Name:            "foo",
		Repository:      "nix_unstable",
		CurrentVersions: []string{"1.0"},
		UpstreamVersion: "2.0",
		Outdated:        true,
		DetailsURL:      "https://repology.org/project/foo/versions",
		Metadata:        map[string]string{"entry_id": "tag:repology.org,1"},
	}
}

func TestRenderDefaultTemplates(t *testing.T) {
	got, err := Render(sampleStatus())
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	want := core.Payload{
		Subject: "(nix_unstable) foo: 1.0 -> 2.0",
		Body:    "**foo** in nix_unstable is outdated: 1.0 -> 2.0\n\n[Details](https://repology.org/project/foo/versions)\n",
		Fields: map[string]string{
			"identity":         "nix_unstable/foo",
			"package":          "foo",
			"repository":       "nix_unstable",
			"current_version":  "1.0",
			"upstream_version": "2.0",
			"version_state":    "2.0",
			"details_url":      "https://repology.org/project/foo/versions",
			"meta.entry_id":    "tag:repology.org,1",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	status := sampleStatus()
	status.Metadata = map[string]string{"b": "2", "a": "1", "c": "3"}
	first, err := Render(status)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := Render(status)
		if err != nil {
			t.Fatalf("render failed: %v", err)
		}
		if diff := cmp.Diff(first, next); diff != "" {
			t.Fatalf("render not deterministic (-first +next):\n%s", diff)
		}
	}
}

func TestRenderWithoutRepositoryOrVersions(t *testing.T) {
	got, err := Render(core.PackageStatus{Name: "foo", UpstreamVersion: "2.0", Outdated: true})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if got.Subject != "foo: ? -> 2.0" {
		t.Fatalf("unexpected subject %q", got.Subject)
	}
	if strings.Contains(got.Body, "Details") {
		t.Fatalf("expected no details link without a url, got %q", got.Body)
	}
}

func TestCustomTemplatesAreSingleLineSubjects(t *testing.T) {
	b, err := NewBuilder("Outdated:\n{{.Name}}\n", "{{.Name}} {{join .CurrentVersions \"/\"}}")
	if err != nil {
		t.Fatalf("new builder failed: %v", err)
	}
	status := sampleStatus()
	status.CurrentVersions = []string{"1.0", "1.1"}
	got, err := b.Render(status)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if got.Subject != "Outdated: foo" {
		t.Fatalf("unexpected subject %q", got.Subject)
	}
	if got.Body != "foo 1.0/1.1" {
		t.Fatalf("unexpected body %q", got.Body)
	}
}

func TestNewBuilderRejectsBadTemplate(t *testing.T) {
	if _, err := NewBuilder("{{.Name", ""); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestBuildBatchReportsRenderFailures(t *testing.T) {
	b, err := NewBuilder("{{.Metadata.missing}}", "")
	if err != nil {
		t.Fatalf("new builder failed: %v", err)
	}
	entries := []diff.Entry{
		{Status: core.PackageStatus{Name: "ok", Outdated: true, Metadata: map[string]string{"missing": "x"}}, Channels: []string{"local"}},
		{Status: core.PackageStatus{Name: "broken", Outdated: true, Metadata: map[string]string{}}, Channels: []string{"local"}},
	}
	batch, errs := b.BuildBatch(entries)
	if len(batch) != 1 || batch[0].Status.Name != "ok" {
		t.Fatalf("expected only the renderable entry, got %+v", batch)
	}
	if len(errs) != 1 {
		t.Fatalf("expected one render error, got %v", errs)
	}
	var renderErr *RenderError
	if !errors.As(errs[0], &renderErr) || renderErr.Identity != "broken" {
		t.Fatalf("expected RenderError for broken, got %v", errs[0])
	}
	if batch[0].Payload.Subject != "x" {
		t.Fatalf("unexpected subject %q", batch[0].Payload.Subject)
	}
}
