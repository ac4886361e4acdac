package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// ErrInvalidArtifactName is returned for names that could escape the artifact directory.
var ErrInvalidArtifactName = errors.New("invalid artifact name")

var unsafeStemChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Artifacts renders final documents and serves them back by name.
type Artifacts struct {
	dir    string
	md     goldmark.Markdown
	logger *slog.Logger
}

// NewArtifacts creates the artifact directory if needed.
func NewArtifacts(dir string, logger *slog.Logger) (*Artifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Artifacts{
		dir:    dir,
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger: logger,
	}, nil
}

// Dir returns the directory artifacts are written to.
func (a *Artifacts) Dir() string {
	return a.dir
}

// Path resolves an artifact name to a file path inside the directory.
func (a *Artifacts) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidArtifactName, name)
	}
	return filepath.Join(a.dir, name), nil
}

// Exists reports whether a named artifact is on disk.
func (a *Artifacts) Exists(name string) bool {
	p, err := a.Path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

type artifactArgs struct {
	Markdown    string `json:"markdown"`
	Name        string `json:"name"`
	Title       string `json:"title"`
	ContactLine string `json:"contact_line"`
	FileName    string `json:"file_name"`
}

// Tool returns the produce_final_artifact tool.
func (a *Artifacts) Tool() Tool {
	schema := mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"markdown": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "The complete optimized document in Markdown",
			},
			"name":         map[string]any{"type": "string", "description": "Candidate name for the header"},
			"title":        map[string]any{"type": "string", "description": "Headline under the name"},
			"contact_line": map[string]any{"type": "string", "description": "Contact details shown in the header"},
			"file_name":    map[string]any{"type": "string", "description": "Base name for the output file"},
		},
		"required": []string{"markdown"},
	})

	return Tool{
		Spec: Spec{
			Name: ProduceFinalArtifact,
			Description: "Render the final optimized document and save it as a downloadable file. " +
				"Call this once, after all edits are complete.",
			Schema:     schema,
			SideEffect: ArtifactProducing,
		},
		Exec: a.produce,
	}
}

func (a *Artifacts) produce(ctx context.Context, inv Invocation, raw json.RawMessage) (Observation, error) {
	var args artifactArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return Observation{}, fmt.Errorf("decode arguments: %w", err)
	}
	if strings.TrimSpace(args.Markdown) == "" {
		return Observation{}, fmt.Errorf("markdown is required")
	}

	page, err := a.render(args, inv)
	if err != nil {
		return Observation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}

	stem := artifactStem(args.FileName, inv.DocumentName)
	name := fmt.Sprintf("%s_optimized_%s.html", stem, uuid.NewString()[:8])
	path := filepath.Join(a.dir, name)
	if err := os.WriteFile(path, page, 0o644); err != nil {
		return Observation{}, fmt.Errorf("write artifact: %w", err)
	}

	a.logger.Info("Artifact written", "session_token", inv.SessionToken, "artifact", name, "bytes", len(page))
	return Observation{
		Text:     "Saved optimized document to " + name,
		Artifact: &ArtifactRef{Name: name, Path: path},
	}, nil
}

var pageTemplate = template.Must(template.New("artifact").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{if .Name}}{{.Name}}{{else}}Optimized Document{{end}}</title>
<style>
body{font-family:Helvetica,Arial,sans-serif;max-width:800px;margin:2em auto;padding:0 1em;color:#222;line-height:1.45}
header{border-bottom:2px solid #333;margin-bottom:1em}
header h1{margin:0}
header .title{font-size:1.1em;color:#555}
header .contact{font-size:.9em;color:#555}
footer{border-top:1px solid #ccc;margin-top:2em;font-size:.9em;color:#555}
table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:4px 8px}
</style>
</head>
<body>
{{if or .Name .Title .ContactLine}}<header>
{{if .Name}}<h1>{{.Name}}</h1>{{end}}
{{if .Title}}<div class="title">{{.Title}}</div>{{end}}
{{if .ContactLine}}<div class="contact">{{.ContactLine}}</div>{{end}}
</header>{{end}}
<main>
{{.Body}}
</main>
{{if .Links}}<footer>
<ul>{{range .Links}}<li>{{.}}</li>{{end}}</ul>
</footer>{{end}}
</body>
</html>
`))

// render converts the Markdown to a standalone HTML page.
func (a *Artifacts) render(args artifactArgs, inv Invocation) ([]byte, error) {
	var body bytes.Buffer
	if err := a.md.Convert([]byte(args.Markdown), &body); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	var page bytes.Buffer
	err := pageTemplate.Execute(&page, map[string]any{
		"Name":        args.Name,
		"Title":       args.Title,
		"ContactLine": args.ContactLine,
		"Body":        template.HTML(body.String()),
		"Links":       inv.Links.List(),
	})
	if err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}
	return page.Bytes(), nil
}

// artifactStem picks a filesystem-safe base name.
func artifactStem(fileName, documentName string) string {
	for _, candidate := range []string{fileName, documentName} {
		base := filepath.Base(strings.TrimSpace(candidate))
		base = strings.TrimSuffix(base, filepath.Ext(base))
		base = strings.Trim(unsafeStemChars.ReplaceAllString(base, "_"), "_")
		if base != "" && base != "." {
			return base
		}
	}
	return "document"
}
