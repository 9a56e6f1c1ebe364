// Package render turns deployment state into the rollout manifests the
// canary controller publishes at every traffic change. The manifest shapes
// are embedded templates, so the serving-layer contract ships inside the
// binary and cannot drift from it.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.tmpl
var manifestFS embed.FS

// Engine renders rollout manifests from the embedded templates.
type Engine struct {
	manifests *template.Template
}

// New parses the embedded manifest templates. Parsing happens once at
// startup; a malformed template is a build problem, not a runtime one.
func New() (*Engine, error) {
	t, err := template.ParseFS(manifestFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse manifest templates: %w", err)
	}
	return &Engine{manifests: t}, nil
}

// Render fills the named manifest template with the deployment data and
// returns the manifest text ready to publish.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.manifests == nil {
		return "", fmt.Errorf("nil engine")
	}

	var buf bytes.Buffer
	if err := e.manifests.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
