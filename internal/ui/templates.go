package ui

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"time"
)

//go:embed templates/*
var templateFS embed.FS

var templates = mustParseTemplates()

var funcMap = template.FuncMap{
	"formatTime": func(t interface{}) string {
		switch v := t.(type) {
		case nil:
			return ""
		case time.Time:
			if v.IsZero() {
				return ""
			}
			return v.Format("02/01/2006 15:04")
		case *time.Time:
			if v == nil {
				return ""
			}
			return v.Format("02/01/2006 15:04")
		}
		return ""
	},
	"formatDate": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format("02/01/2006")
	},
	"formatInput": func(t time.Time) string {
		return t.Format("2006-01-02T15:04")
	},
	"sameID": func(id int64, ptr *int64) bool {
		return ptr != nil && *ptr == id
	},
	"euro": func(v any) string {
		switch x := v.(type) {
		case float64:
			return fmt.Sprintf("€%.2f", x)
		case *float64:
			if x == nil {
				return ""
			}
			return fmt.Sprintf("€%.2f", *x)
		}
		return ""
	},
}

func mustParseTemplates() map[string]*template.Template {
	files, err := fs.Glob(templateFS, "templates/*.html")
	if err != nil {
		panic(err)
	}

	base := template.Must(template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html"))

	sets := make(map[string]*template.Template)
	for _, file := range files {
		if file == "templates/base.html" {
			continue
		}

		set := template.Must(base.Clone())
		template.Must(set.ParseFS(templateFS, file))
		sets[file[len("templates/"):]] = set
	}

	return sets
}
