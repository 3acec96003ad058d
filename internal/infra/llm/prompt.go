package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/vietddude/llmbatch/internal/core/domain"
)

// Prompt renders a unit's fields into the text sent to the model.
type Prompt struct {
	tmpl *template.Template
}

// ParsePrompt compiles a text/template over the unit's fields, e.g.
// "Classify: {{.text}}". A missing field is a render error. An empty
// template sends the fields as JSON.
func ParsePrompt(text string) (*Prompt, error) {
	if strings.TrimSpace(text) == "" {
		return &Prompt{}, nil
	}
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &Prompt{tmpl: tmpl}, nil
}

// Render produces the prompt for u.
func (p *Prompt) Render(u domain.Unit) (string, error) {
	if p == nil || p.tmpl == nil {
		data, err := json.Marshal(u.Fields)
		if err != nil {
			return "", fmt.Errorf("encode unit %d: %w", u.Index, err)
		}
		return string(data), nil
	}

	var b strings.Builder
	fields := u.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	if err := p.tmpl.Execute(&b, fields); err != nil {
		return "", fmt.Errorf("render prompt for unit %d: %w", u.Index, err)
	}
	return b.String(), nil
}
