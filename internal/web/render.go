package web

import (
	"embed"
	"html/template"
	"io"
)

//go:embed templates/*.html
var files embed.FS

var pages = template.Must(template.ParseFS(files, "templates/*.html"))

// Render writes the named page with data as its dot.
func Render(w io.Writer, page string, data any) error {
	return pages.ExecuteTemplate(w, page, data)
}
