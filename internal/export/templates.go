package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

// SafeHTML is a template function that marks a string as safe HTML
func SafeHTML(s interface{}) template.HTML {
	switch v := s.(type) {
	case string:
		return template.HTML(v)
	case template.HTML:
		return v
	default:
		return template.HTML("")
	}
}

//go:embed templates/*.html
var templateFS embed.FS

var bookTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"safeHTML": SafeHTML,
	}

	templateContent, err := templateFS.ReadFile("templates/book.html")
	if err != nil {
		// Fallback to built-in template if file not found
		bookTemplate = template.Must(template.New("book").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	bookTemplate = template.Must(template.New("book").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for book template rendering
type TemplateData struct {
	Title       string
	AuthorName  string
	VersionNo   int
	Status      string
	GeneratedAt time.Time
	Entries     []TemplateEntry
}

// TemplateEntry is one TOC node flattened into reading order. Level follows
// the node kind: 1 for sections, 2 for chapters, 3 for headings.
type TemplateEntry struct {
	Level       int
	Title       string
	ContentHTML template.HTML
}

// RenderBookHTML renders the book template with provided data
func RenderBookHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := bookTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.AuthorName}} | v{{.VersionNo}} | {{.GeneratedAt.Format "Jan 2, 2006"}}</div>
  {{range .Entries}}
  {{if eq .Level 1}}<h1>{{.Title}}</h1>{{else if eq .Level 2}}<h2>{{.Title}}</h2>{{else}}<h3>{{.Title}}</h3>{{end}}
  <div>{{.ContentHTML | safeHTML}}</div>
  {{end}}
</body>
</html>`
