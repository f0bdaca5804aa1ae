package handler

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/bizdesk/internal/middleware"
)

//go:embed templates/*.html
var templateFS embed.FS

var (
	loginTemplate = template.Must(template.ParseFS(templateFS, "templates/login.html"))
	homeTemplate  = template.Must(template.ParseFS(templateFS, "templates/home.html"))
)

type loginPageData struct {
	AuthEnabled  bool
	ErrorMessage string
}

type homePageData struct {
	User      userBody
	Anonymous bool
}

// renderPage はテンプレートをバッファに描画してから書き込む。描画に失敗した場合は500を返す。
func renderPage(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		slog.Error("failed to render page", slog.String("template", tmpl.Name()), slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
