package inject

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"mind-attention/pkg/card"
)

// Catalog maps card types to message templates. Templates see the card
// as dot.
type Catalog struct {
	templates map[string]*template.Template
	fallback  *template.Template
}

const fallbackTemplate = `[{{.Severity}}] {{.Title}}{{if .Summary}}: {{.Summary}}{{end}}`

var defaultTemplates = map[string]string{
	"apply_failed":    `A message in this session could not be saved ({{.Summary}}). Later messages are held until it is retried.`,
	"system_error":    `Something went wrong on my side: {{.Title}}.{{if .Summary}} {{.Summary}}{{end}}`,
	"task_failed":     `A task failed: {{.Title}}.{{if .Summary}} {{.Summary}}{{end}}`,
	"tool_denied":     `A tool call was blocked: {{.Title}}.`,
	"budget_exceeded": `Budget limit reached ({{.Severity}}): {{.Title}}.{{if .Summary}} {{.Summary}}{{end}}`,
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c := &Catalog{
		templates: make(map[string]*template.Template),
		fallback:  template.Must(template.New("fallback").Parse(fallbackTemplate)),
	}
	for cardType, text := range defaultTemplates {
		c.templates[cardType] = template.Must(template.New(cardType).Parse(text))
	}
	return c
}

// Register adds or replaces the template for a card type.
func (c *Catalog) Register(cardType, text string) error {
	t, err := template.New(cardType).Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", cardType, err)
	}
	c.templates[cardType] = t
	return nil
}

// Render produces the chat text for a card. A template that fails to
// execute falls back to the generic rendering.
func (c *Catalog) Render(k *card.Card) string {
	t, ok := c.templates[k.CardType]
	if !ok {
		t = c.fallback
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, k); err != nil {
		buf.Reset()
		_ = c.fallback.Execute(&buf, k)
	}
	return strings.TrimSpace(buf.String())
}
