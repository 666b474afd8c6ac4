package core

import (
	"fmt"
	"strings"
)

// NormalizeFunnel trims free-text fields, drops empty tags, and clears
// fields that normalized to nothing, mirroring what the funnel editor
// does before saving. The input is not modified.
func NormalizeFunnel(f Funnel) Funnel {
	out := f
	out.Name = strings.TrimSpace(f.Name)
	out.Description = strings.TrimSpace(f.Description)
	out.Steps = make([]FunnelStep, len(f.Steps))

	for i, step := range f.Steps {
		next := step
		next.Text = strings.TrimSpace(step.Text)
		next.DelayExpr = strings.TrimSpace(step.DelayExpr)
		next.WebhookEvent = strings.TrimSpace(step.WebhookEvent)
		next.MediaCaption = strings.TrimSpace(step.MediaCaption)
		next.FileName = strings.TrimSpace(step.FileName)
		if tags := NormalizeTags(step.AddTags); len(tags) > 0 {
			next.AddTags = tags
		} else {
			next.AddTags = nil
		}
		out.Steps[i] = next
	}

	return out
}

// ValidateFunnel reports structural problems that would make a funnel
// unusable as run input. It returns one message per problem.
func ValidateFunnel(f Funnel) []string {
	var problems []string
	if strings.TrimSpace(f.ID) == "" {
		problems = append(problems, "funnel id is required")
	}
	if strings.TrimSpace(f.Name) == "" {
		problems = append(problems, "funnel name is required")
	}
	for i, step := range f.Steps {
		if strings.TrimSpace(step.ID) == "" {
			problems = append(problems, fmt.Sprintf("step %d: id is required", i))
		}
		if !step.Type.Known() {
			problems = append(problems, fmt.Sprintf("step %d: unknown type %q", i, step.Type))
		}
		if step.DelaySec != nil && *step.DelaySec < 0 {
			problems = append(problems, fmt.Sprintf("step %d: delaySec must not be negative", i))
		}
		if step.Type.Media() && strings.TrimSpace(step.MediaID) == "" {
			problems = append(problems, fmt.Sprintf("step %d: media step requires mediaId", i))
		}
	}
	return problems
}
