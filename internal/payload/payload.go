// Package payload renders channel-agnostic notifications from feed entries.
package payload

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/bakkerme/repology-notify/internal/core"
	"github.com/bakkerme/repology-notify/internal/diff"
)

const (
	DefaultSubjectTemplate = `{{if .Repository}}({{.Repository}}) {{end}}{{.Name}}: {{versions .}} -> {{.UpstreamVersion}}`
	DefaultBodyTemplate    = `**{{.Name}}**{{if .Repository}} in {{.Repository}}{{end}} is outdated: {{versions .}} -> {{.UpstreamVersion}}
{{- if .DetailsURL}}

[Details]({{.DetailsURL}}){{end}}
`
)

var templateFuncs = template.FuncMap{
	"join":     strings.Join,
	"versions": currentVersions,
}

var defaultBuilder = mustBuilder(DefaultSubjectTemplate, DefaultBodyTemplate)

// Builder renders payloads from a subject and a Markdown body template. Both
// templates see the core.PackageStatus as their data.
type Builder struct {
	subject *template.Template
	body    *template.Template
}

// NewBuilder parses the templates, falling back to the defaults for empty
// strings.
func NewBuilder(subjectTemplate, bodyTemplate string) (*Builder, error) {
	if strings.TrimSpace(subjectTemplate) == "" {
		subjectTemplate = DefaultSubjectTemplate
	}
	if strings.TrimSpace(bodyTemplate) == "" {
		bodyTemplate = DefaultBodyTemplate
	}
	subject, err := template.New("subject").Funcs(templateFuncs).Option("missingkey=error").Parse(subjectTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse subject template: %w", err)
	}
	body, err := template.New("body").Funcs(templateFuncs).Option("missingkey=error").Parse(bodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	return &Builder{subject: subject, body: body}, nil
}

func mustBuilder(subjectTemplate, bodyTemplate string) *Builder {
	b, err := NewBuilder(subjectTemplate, bodyTemplate)
	if err != nil {
		panic(err)
	}
	return b
}

// Render renders status with the default templates.
func Render(status core.PackageStatus) (core.Payload, error) {
	return defaultBuilder.Render(status)
}

// Render is deterministic: the same status always yields the same payload.
func (b *Builder) Render(status core.PackageStatus) (core.Payload, error) {
	var subject strings.Builder
	if err := b.subject.Execute(&subject, status); err != nil {
		return core.Payload{}, fmt.Errorf("execute subject template: %w", err)
	}
	var body strings.Builder
	if err := b.body.Execute(&body, status); err != nil {
		return core.Payload{}, fmt.Errorf("execute body template: %w", err)
	}
	return core.Payload{
		Subject: strings.Join(strings.Fields(subject.String()), " "),
		Body:    body.String(),
		Fields:  Fields(status),
	}, nil
}

// RenderError ties a template failure to the entry it happened on.
type RenderError struct {
	Identity string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Identity, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// BuildBatch renders every diff entry. Entries that fail to render are left
// out of the batch and reported, so they stay pending for the next cycle.
func (b *Builder) BuildBatch(entries []diff.Entry) ([]core.BatchEntry, []error) {
	batch := make([]core.BatchEntry, 0, len(entries))
	var errs []error
	for _, entry := range entries {
		p, err := b.Render(entry.Status)
		if err != nil {
			errs = append(errs, &RenderError{Identity: entry.Status.Identity(), Err: err})
			continue
		}
		batch = append(batch, core.BatchEntry{
			Status:   entry.Status,
			Payload:  p,
			Channels: entry.Channels,
		})
	}
	return batch, errs
}

// Fields returns the structured fields shared by every channel. Feed
// metadata is exposed under a "meta." prefix.
func Fields(status core.PackageStatus) map[string]string {
	fields := map[string]string{
		"identity":         status.Identity(),
		"package":          status.Name,
		"repository":       status.Repository,
		"current_version":  currentVersions(status),
		"upstream_version": status.UpstreamVersion,
		"version_state":    status.VersionState(),
		"details_url":      status.DetailsURL,
	}
	keys := make([]string, 0, len(status.Metadata))
	for k := range status.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields["meta."+k] = status.Metadata[k]
	}
	return fields
}

func currentVersions(status core.PackageStatus) string {
	if len(status.CurrentVersions) == 0 {
		return "?"
	}
	return strings.Join(status.CurrentVersions, ", ")
}
