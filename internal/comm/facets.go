package comm

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/CZERTAINLY/icebox/internal/properties"
)

// AdminHandler routes /admin/<facet>/... to the facet with the path prefix
// stripped. GET /admin/ lists the served facets.
func (c *Communicator) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/{$}", c.listFacets)
	mux.HandleFunc("/admin/{facet}", c.serveFacet)
	mux.HandleFunc("/admin/{facet}/", c.serveFacet)
	return mux
}

func (c *Communicator) listFacets(w http.ResponseWriter, _ *http.Request) {
	c.mx.Lock()
	names := make([]string, 0, len(c.facets))
	for name := range c.facets {
		if c.filter != nil {
			if _, ok := c.filter[name]; !ok {
				continue
			}
		}
		names = append(names, name)
	}
	c.mx.Unlock()
	slices.Sort(names)
	WriteJSON(w, http.StatusOK, names)
}

func (c *Communicator) serveFacet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("facet")
	facet, ok := c.exposed(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = strings.TrimPrefix(r.URL.Path, "/admin/"+name)
	r2.URL.RawPath = ""
	if r2.URL.Path == "" {
		r2.URL.Path = "/"
	}
	facet.ServeHTTP(w, r2)
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

// processFacet shuts the communicator down on POST /shutdown
type processFacet struct {
	c *Communicator
}

func (f processFacet) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/shutdown" {
		http.NotFound(w, r)
		return
	}
	if err := f.c.Shutdown(); err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// propertiesFacet returns the properties as a JSON object, optionally limited
// by the prefix query parameter.
type propertiesFacet struct {
	props *properties.Properties
}

func (f propertiesFacet) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	props := f.props.GetForPrefix(r.URL.Query().Get("prefix"))
	if key := strings.TrimPrefix(r.URL.Path, "/"); key != "" {
		v, ok := props[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		WriteJSON(w, http.StatusOK, v)
		return
	}
	WriteJSON(w, http.StatusOK, props)
}
