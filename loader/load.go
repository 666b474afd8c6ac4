// Package loader reads funnel configuration documents in JSON and YAML
// formats, normalizes them, and validates them before they reach the
// engine. A document bundles funnels with integration settings so whole
// configurations export and import as one file.
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/m-demetrio/ZapOrganic-CRM/core"
)

// Document is a complete exported configuration.
type Document struct {
	Funnels             []core.Funnel            `json:"funnels" yaml:"funnels"`
	IntegrationSettings core.IntegrationSettings `json:"integrationSettings" yaml:"integrationSettings"`
}

// ValidationError aggregates every problem found in a document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid document: %s", strings.Join(e.Problems, "; "))
}

// LoadFile reads, parses, normalizes, and validates a document. The
// format is chosen by extension: .yaml/.yml parse as YAML, everything
// else as JSON.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return Load(data, isYAML(path))
}

// Load parses a document from raw bytes.
func Load(data []byte, asYAML bool) (*Document, error) {
	var doc Document
	if asYAML {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
	}

	for i, funnel := range doc.Funnels {
		doc.Funnels[i] = core.NormalizeFunnel(funnel)
	}

	if problems := Validate(&doc); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return &doc, nil
}

// Validate reports every structural problem in the document.
func Validate(doc *Document) []string {
	var problems []string
	seen := make(map[string]bool, len(doc.Funnels))

	for i, funnel := range doc.Funnels {
		for _, p := range core.ValidateFunnel(funnel) {
			problems = append(problems, fmt.Sprintf("funnel %d: %s", i, p))
		}
		if funnel.ID != "" {
			if seen[funnel.ID] {
				problems = append(problems, fmt.Sprintf("funnel %d: duplicate id %q", i, funnel.ID))
			}
			seen[funnel.ID] = true
		}
	}

	settings := doc.IntegrationSettings
	if settings.EnableWebhook && strings.TrimSpace(settings.WebhookURL) == "" {
		problems = append(problems, "integrationSettings: enableWebhook requires webhookUrl")
	}
	if settings.DefaultDelaySec < 0 {
		problems = append(problems, "integrationSettings: defaultDelaySec must not be negative")
	}
	return problems
}

// Save serializes the document next to the format LoadFile expects.
func Save(path string, doc *Document) error {
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing file %s: %w", path, err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
