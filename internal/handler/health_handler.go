package handler

import (
	"context"
	"log/slog"
	"net/http"
)

// HealthCheckFunc は依存先への疎通確認を行う。
type HealthCheckFunc func(ctx context.Context) error

// Health はデータベースへの疎通を確認し、結果をJSONで返す。
// GET /health
func Health(check HealthCheckFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				slog.WarnContext(r.Context(), "health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
