// Package profile provides agent profile loading for Hydra.
//
// Profiles are YAML documents describing how to prime a spawned agent:
// persona, system prompt, goals, constraints, and a checklist template.
// They are loaded from configured search paths, with later paths overriding
// earlier ones on id collision.
package profile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrProfileLoad indicates one or more profile files could not be parsed or
// validated. The wrapped message aggregates every failure encountered.
var ErrProfileLoad = errors.New("profile load failed")

// ErrProfileNotFound indicates the requested profile id is not present in
// any search path.
var ErrProfileNotFound = errors.New("profile not found")

// ChecklistItem is a step an agent is expected to complete during a run.
type ChecklistItem struct {
	// ID is the stable identifier for the checklist item
	ID string `yaml:"id" validate:"required"`

	// Description is the human-friendly description of the action
	Description string `yaml:"description" validate:"required"`

	// Required marks whether the agent must complete this item
	Required bool `yaml:"required"`

	// Metadata aids filtering and reporting
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

// Profile describes how Hydra should prime an agent.
type Profile struct {
	// ID is the unique identifier for the profile
	ID string `yaml:"id" validate:"required"`

	// Title is the display title for the profile
	Title string `yaml:"title" validate:"required"`

	// Persona is the narrative framing for the agent's tone and role
	Persona string `yaml:"persona" validate:"required"`

	// SystemPrompt is presented to the agent CLI when spawning
	SystemPrompt string `yaml:"system_prompt" validate:"required"`

	// Goalset is the ordered list of high-level goals for the agent
	Goalset []string `yaml:"goalset"`

	// Constraints are guardrails imposed on the agent
	Constraints []string `yaml:"constraints"`

	// ChecklistTemplate lists required checklist items for the run
	ChecklistTemplate []ChecklistItem `yaml:"checklist_template"`

	// Metadata is attached to runs for search and filtering
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

// Tags returns the profile's metadata tags, if any.
func (p *Profile) Tags() []string {
	raw, ok := p.Metadata["tags"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, item := range v {
			tags = append(tags, fmt.Sprint(item))
		}
		return tags
	default:
		return nil
	}
}

// BuildPrompt assembles the full prompt for spawning this profile against a
// task brief. Goal overrides replace the profile's goalset when provided.
func (p *Profile) BuildPrompt(taskBrief string, goalOverrides []string) string {
	goals := p.Goalset
	if goalOverrides != nil {
		goals = goalOverrides
	}

	goalLines := make([]string, 0, len(goals))
	for _, goal := range goals {
		goalLines = append(goalLines, "- "+goal)
	}
	goalText := strings.Join(goalLines, "\n")
	if goalText == "" {
		goalText = "- Follow the system prompt"
	}

	sections := []string{
		strings.TrimSpace(p.SystemPrompt),
		"Task Brief:\n" + strings.TrimSpace(taskBrief),
		"Goals:\n" + goalText,
	}

	if len(p.Constraints) > 0 {
		lines := make([]string, 0, len(p.Constraints))
		for _, constraint := range p.Constraints {
			lines = append(lines, "- "+constraint)
		}
		sections = append(sections, "Constraints:\n"+strings.Join(lines, "\n"))
	}

	if len(p.ChecklistTemplate) > 0 {
		lines := make([]string, 0, len(p.ChecklistTemplate))
		for _, item := range p.ChecklistTemplate {
			lines = append(lines, "- "+item.Description)
		}
		sections = append(sections, "Checklist Expectations:\n"+strings.Join(lines, "\n"))
	}

	return strings.Join(sections, "\n\n")
}

// validate checks a profile against its struct tags and normalizes the id.
func (p *Profile) validate(v *validator.Validate) error {
	p.ID = strings.TrimSpace(p.ID)
	if err := v.Struct(p); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			msgs := make([]string, 0, len(validationErrs))
			for _, e := range validationErrs {
				msgs = append(msgs, fmt.Sprintf("'%s' failed validation '%s'", e.Namespace(), e.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}
