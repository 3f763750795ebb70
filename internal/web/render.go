// Package web renders the status dashboard served next to /metrics.
package web

import (
	"embed"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/matst80/apixify/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once  sync.Once
	pages *template.Template
)

var funcs = template.FuncMap{
	// uptime renders how long ago t was, or "-" for the zero time.
	"uptime": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return time.Since(t).Truncate(time.Second).String()
	},
}

func load() {
	pages = template.Must(template.New("base").Funcs(funcs).ParseFS(tmplFS, "templates/*.html"))
}

// Render executes the named page with a copy of data plus Now.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	view := make(map[string]any, len(data)+1)
	for k, v := range data {
		view[k] = v
	}
	view["Now"] = time.Now().Format(time.RFC822)
	if err := pages.ExecuteTemplate(w, name, view); err != nil {
		obs.Error("web.render", obs.Fields{"page": name, "err": err})
		return err
	}
	return nil
}
