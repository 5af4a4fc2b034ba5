package icebox

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/CZERTAINLY/icebox/internal/comm"
)

type errorResponse struct {
	Error   string `json:"error"`
	Service string `json:"service,omitempty"`
}

type addObserverRequest struct {
	URL string `json:"url"`
}

// ServeHTTP exposes the manager as an admin facet:
//
//	GET  /services               list services and their status
//	POST /services/{name}/start  start a service
//	POST /services/{name}/stop   stop a service
//	POST /shutdown               shut the process down
//	POST /observers              register an HTTP observer, body {"url": "..."}
func (m *ServiceManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.adminOnce.Do(func() {
		m.adminMux = m.newAdminMux()
	})
	m.adminMux.ServeHTTP(w, r)
}

func (m *ServiceManager) newAdminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /services", func(w http.ResponseWriter, _ *http.Request) {
		comm.WriteJSON(w, http.StatusOK, m.Services())
	})
	mux.HandleFunc("POST /services/{name}/start", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		writeLifecycleError(w, name, m.StartService(r.Context(), name))
	})
	mux.HandleFunc("POST /services/{name}/stop", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		writeLifecycleError(w, name, m.StopService(r.Context(), name))
	})
	mux.HandleFunc("POST /shutdown", func(w http.ResponseWriter, _ *http.Request) {
		if err := m.Shutdown(); err != nil {
			comm.WriteJSON(w, http.StatusGone, errorResponse{Error: err.Error()})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /observers", m.serveAddObserver)
	return mux
}

func (m *ServiceManager) serveAddObserver(w http.ResponseWriter, r *http.Request) {
	var req addObserverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		comm.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "decoding request: " + err.Error()})
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		comm.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid observer url: " + req.URL})
		return
	}
	m.AddObserver(r.Context(), NewHTTPObserver(u.String(), nil))
	w.WriteHeader(http.StatusNoContent)
}

func writeLifecycleError(w http.ResponseWriter, name string, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrNoSuchService):
		comm.WriteJSON(w, http.StatusNotFound, errorResponse{Error: "NoSuchService", Service: name})
	case errors.Is(err, ErrAlreadyStarted):
		comm.WriteJSON(w, http.StatusConflict, errorResponse{Error: "AlreadyStarted", Service: name})
	case errors.Is(err, ErrAlreadyStopped):
		comm.WriteJSON(w, http.StatusConflict, errorResponse{Error: "AlreadyStopped", Service: name})
	default:
		comm.WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Service: name})
	}
}
