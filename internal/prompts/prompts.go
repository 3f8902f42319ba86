// Package prompts renders the embedded image-prompt templates.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Template names.
const (
	AnchorLead      = "anchor_lead"
	AnchorCompanion = "anchor_companion"
	PhotoText       = "photo_text"
	PhotoPrompt     = "photo_prompt"
	SceneText       = "scene_text"
	ScenePrompt     = "scene_prompt"
	CompanionText   = "companion_text"
	CompanionPrompt = "companion_prompt"
	EpilogueText    = "epilogue_text"
	EpiloguePrompt  = "epilogue_prompt"
	Page            = "page"
)

// Data is the template input.
type Data struct {
	LeadName      string
	Companion     string
	Setting       string
	Prompt        string
	HasReferences bool
}

// Render executes the named template.
func Render(name string, data Data) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// MustRender is Render for templates whose data cannot fail to execute.
func MustRender(name string, data Data) string {
	out, err := Render(name, data)
	if err != nil {
		panic(err)
	}
	return out
}

// PagePrompt wraps a page's stored prompt with the shared style and the
// consistency instruction when references accompany the call.
func PagePrompt(prompt string, hasReferences bool) string {
	return MustRender(Page, Data{Prompt: prompt, HasReferences: hasReferences})
}
