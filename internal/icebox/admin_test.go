package icebox_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/CZERTAINLY/icebox/internal/icebox"

	"github.com/stretchr/testify/require"
)

func TestAdminFacet(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "A", "B")
	m, c := f.manager(t, map[string]string{
		"IceBox.Service.A":  "asm:A",
		"IceBox.Service.B":  "asm:B",
		"Ice.Admin.Enabled": "1",
	}, nil)
	errc := run(t, m)

	srv := httptest.NewServer(c.AdminHandler())
	t.Cleanup(srv.Close)
	base := srv.URL + "/admin/IceBox.ServiceManager"

	var services []map[string]string
	code, body := do(t, http.MethodGet, base+"/services", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal([]byte(body), &services))
	require.Equal(t, []map[string]string{
		{"name": "A", "status": "started"},
		{"name": "B", "status": "started"},
	}, services)

	cases := []struct {
		scenario string
		path     string
		code     int
		error    string
	}{
		{"stop", "/services/A/stop", http.StatusNoContent, ""},
		{"stop again", "/services/A/stop", http.StatusConflict, "AlreadyStopped"},
		{"start", "/services/A/start", http.StatusNoContent, ""},
		{"start again", "/services/A/start", http.StatusConflict, "AlreadyStarted"},
		{"unknown", "/services/Z/start", http.StatusNotFound, "NoSuchService"},
	}
	for _, tc := range cases {
		code, body := do(t, http.MethodPost, base+tc.path, "")
		require.Equal(t, tc.code, code, tc.scenario)
		if tc.error != "" {
			require.Contains(t, body, tc.error, tc.scenario)
		}
	}

	code, _ = do(t, http.MethodGet, base+"/services/A/stop", "")
	require.Equal(t, http.StatusMethodNotAllowed, code)

	code, _ = do(t, http.MethodPost, base+"/shutdown", "")
	require.Equal(t, http.StatusAccepted, code)
	require.NoError(t, <-errc)
}

func TestAdminAddObserver(t *testing.T) {
	t.Parallel()
	notifications := make(chan icebox.Notification, 8)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n icebox.Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		notifications <- n
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(remote.Close)
	t.Cleanup(http.DefaultClient.CloseIdleConnections)

	f := newFixture(t, "A")
	m, _ := f.manager(t, map[string]string{"IceBox.Service.A": "asm:A"}, nil)
	errc := run(t, m)
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	code, _ := do(t, http.MethodPost, srv.URL+"/observers", `{"url": "ftp://nope"}`)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/observers", `not json`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodPost, srv.URL+"/observers", `{"url": "`+remote.URL+`"}`)
	require.Equal(t, http.StatusNoContent, code)
	require.Equal(t, icebox.Notification{Event: "started", Services: []string{"A"}}, <-notifications)

	shutdown(t, m, errc)
	require.Equal(t, icebox.Notification{Event: "stopped", Services: []string{"A"}}, <-notifications)
}

func TestHTTPObserverFailure(t *testing.T) {
	t.Parallel()
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(remote.Close)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	o := icebox.NewHTTPObserver(remote.URL, client)
	require.Equal(t, remote.URL, o.ID())
	require.ErrorContains(t, o.ServicesStarted(t.Context(), []string{"A"}), "503")
}

var testClient = &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := testClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}
