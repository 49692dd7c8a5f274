package config

import (
	"fmt"

	"github.com/bakkerme/repology-notify/internal/core"
	"github.com/bakkerme/repology-notify/internal/payload"
)

// validateTemplates parses the configured templates and renders them against
// a sample status so that unknown fields fail at startup rather than on the
// first notification.
func (d *Document) validateTemplates() error {
	if d.Templates.Subject == "" && d.Templates.Body == "" {
		return nil
	}
	builder, err := payload.NewBuilder(d.Templates.Subject, d.Templates.Body)
	if err != nil {
		return fmt.Errorf("templates: %w", err)
	}
	if _, err := builder.Render(sampleStatusForTemplateValidation()); err != nil {
		return fmt.Errorf("templates: type check failed: %w", err)
	}
	return nil
}

func sampleStatusForTemplateValidation() core.PackageStatus {
	return core.PackageStatus{
		Name:            "example",
		Repository:      "example_repo",
		CurrentVersions: []string{"1.0"},
		UpstreamVersion: "2.0",
		Outdated:        true,
		DetailsURL:      "https://repology.org/project/example/versions",
		Metadata:        map[string]string{"entry_id": "https://repology.org/example"},
	}
}
