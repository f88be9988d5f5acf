package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/cors"

	"github.com/qdatasvc/qdata-server/internal/session"
)

// HealthHandler reports liveness plus a coarse view of session count, the
// /healthz endpoint added in the SUPPLEMENTED FEATURES expansion (not
// present in the original implementation).
func HealthHandler(sessions *session.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":        "ok",
			"live_sessions": sessions.Len(),
		})
	})
	return cors.Default().Handler(mux)
}
