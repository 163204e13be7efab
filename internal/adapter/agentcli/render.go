package agentcli

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"text/template"

	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/port/agentbackend"
)

var promptTmpl = template.Must(template.New("prompt").Parse(`# {{.Phase}} phase for {{.TaskID}}

Task: {{.Description}}
Mode: {{.Mode}}  Effort: {{.Effort}}  Iteration: {{.Iteration}}
{{- if .Step}}

## Step {{.Step.Number}}: {{.Step.Title}}
{{- if .SwitchStrategy}}
The same error repeated several times. Change approach before retrying.
{{- end}}
{{- if .LastFailure}}

Last failure:
{{.LastFailure}}
{{- end}}
{{- if .KnownFixes}}

Fixes that worked for this error before:
{{range .KnownFixes}}- "{{.Signature}}" ({{.Type}}, seen {{.TimesSeen}}x): {{.Solution}}
{{end}}
{{- end}}
{{- end}}
{{- if .Feedback}}

## Feedback to address
{{range .Feedback}}- {{.}}
{{end}}
{{- end}}
{{- if .Concerns}}

## Open concerns
{{range .Concerns}}- [{{.ID}} {{.Severity}}] {{.Description}}
{{end}}
{{- end}}
{{- if .Discoveries}}

## Known discoveries
{{range .Discoveries}}- ({{.Category}}) {{.Content}}
{{end}}
{{- end}}
{{- range .Prior}}

## Output of {{.Phase}}
{{.Text}}
{{- end}}
{{- if .Clarification}}

## Clarification
{{.Clarification}}
{{- end}}

Report results in tagged JSON blocks where they apply:
<concerns>, <review_issues>, <recommendation>, <steps>, <files_changed>,
<deviations>, <discoveries>, <usage>, <completion>.
`))

type priorOutput struct {
	Phase phase.Phase
	Text  string
}

// Render builds the stdin text for a bundle: a readable prompt followed by
// the full bundle as JSON inside a <bundle> block.
func Render(b agentbackend.Bundle) (string, error) {
	var prior []priorOutput
	for _, p := range phase.All {
		if text, ok := b.PriorOutputs[p]; ok {
			prior = append(prior, priorOutput{Phase: p, Text: text})
		}
	}
	// Phases outside the canonical list still render, after the known ones.
	var extra []string
	for p := range b.PriorOutputs {
		if !p.Valid() {
			extra = append(extra, string(p))
		}
	}
	slices.Sort(extra)
	for _, p := range extra {
		prior = append(prior, priorOutput{Phase: phase.Phase(p), Text: b.PriorOutputs[phase.Phase(p)]})
	}

	data := struct {
		agentbackend.Bundle
		Prior []priorOutput
	}{Bundle: b, Prior: prior}

	var sb strings.Builder
	if err := promptTmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}
	sb.WriteString("\n<bundle>\n")
	sb.Write(raw)
	sb.WriteString("\n</bundle>\n")
	return sb.String(), nil
}
