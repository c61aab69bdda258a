package validator

import (
	"bytes"
	"fmt"
	"text/template"
)

const promptTemplate = `You are the {{.Validator.ID}} validator for task {{.TaskID}} (round {{.Round}}).
{{- if .Validator.Name}}
Role: {{.Validator.Name}}
{{- end}}
{{- if .Validator.Blocking}}
Your verdict is blocking: the task cannot be approved unless you approve.
{{- end}}
{{- if .Validator.Context7Required}}
Consult current library documentation before judging framework usage.
{{- end}}
{{if .Files}}
Files under review:
{{- range .Files}}
- {{.}}
{{- end}}
{{end}}
{{- if .Validator.Prompt}}
{{.Validator.Prompt}}
{{end}}
{{- if .Summary}}
Implementation summary:
{{.Summary}}
{{end}}
Respond with a single JSON object:
{"verdict": "approve|reject|blocked", "summary": "...", "findings": ["..."]}
`

var promptTmpl = template.Must(template.New("validator").Parse(promptTemplate))

type promptData struct {
	TaskID    string
	Round     int
	Validator Spec
	Files     []string
	Summary   string
}

// RenderPrompt builds the prompt handed to an engine.
func RenderPrompt(taskID string, round int, spec Spec, files []string, summary string) (string, error) {
	var buf bytes.Buffer
	if err := promptTmpl.Execute(&buf, promptData{
		TaskID: taskID, Round: round, Validator: spec, Files: files, Summary: summary,
	}); err != nil {
		return "", fmt.Errorf("failed to render prompt for %s: %w", spec.ID, err)
	}
	return buf.String(), nil
}
