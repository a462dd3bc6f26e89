// internal/viewer/routes/api_logs.go

package routes

import "net/http"

// Logs serves the captured process log.
type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

func registerAPILogRoutes(mux *http.ServeMux, logs Logs) {
	mux.HandleFunc("/api/logs", logs.ServeLogsJSON)
	mux.HandleFunc("/api/logs/stream", logs.ServeLogsSSE)
}
