package llm

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vietddude/llmbatch/internal/processing/retry"
)

// JSONValidator requires the response to be a JSON document, optionally
// wrapped in a markdown code fence, with every required gjson path present.
type JSONValidator struct {
	Required []string
}

func (v JSONValidator) Validate(resp retry.Response) (string, error) {
	text := stripFence(resp.Text)
	if text == "" {
		return "", fmt.Errorf("empty response")
	}
	if !gjson.Valid(text) {
		return "", fmt.Errorf("response is not valid JSON")
	}

	doc := gjson.Parse(text)
	var missing []string
	for _, path := range v.Required {
		if !doc.Get(path).Exists() {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("response is missing required fields: %s", strings.Join(missing, ", "))
	}
	return text, nil
}

// TextValidator accepts any non-empty response.
type TextValidator struct{}

func (TextValidator) Validate(resp retry.Response) (string, error) {
	if strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("empty response")
	}
	return resp.Text, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // drop the language tag line
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
