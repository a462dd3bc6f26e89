// internal/viewer/routes/register.go
package routes

import "net/http"

// Deps are the optional collaborators of the local API. Nil members leave
// their routes unregistered.
type Deps struct {
	Call    CallControl
	History History
	Logs    Logs
}

func Register(mux *http.ServeMux, d Deps) {
	if d.Call != nil {
		RegisterCall(mux, d.Call)
	}
	if d.History != nil {
		registerHistoryRoutes(mux, d.History)
	}
	if d.Logs != nil {
		registerAPILogRoutes(mux, d.Logs)
	}
}
