package comm_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CZERTAINLY/icebox/internal/comm"
	"github.com/CZERTAINLY/icebox/internal/properties"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// no keep-alive, so that no client goroutines outlive the tests
var client = &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestInitialize(t *testing.T) {
	t.Parallel()
	defaults := properties.FromMap(map[string]string{"Ice.ProgramName": "box"})
	c, rest, err := comm.Initialize(defaults, []string{"--Ice.Trace=1", "--Hello.X=1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Destroy() })

	require.NotEmpty(t, c.ID())
	require.Equal(t, []string{"--Hello.X=1"}, rest)
	require.Equal(t, "1", c.Properties().Get("Ice.Trace"))
	require.Empty(t, defaults.Get("Ice.Trace"))
	require.False(t, c.AdminEnabled())
}

func TestAdminFacets(t *testing.T) {
	t.Parallel()
	c := comm.New(properties.FromMap(map[string]string{"Ice.Admin.Enabled": "1"}))
	t.Cleanup(func() { _ = c.Destroy() })

	facets, err := c.FindAllAdminFacets()
	require.NoError(t, err)
	require.Contains(t, facets, comm.ProcessFacet)
	require.Contains(t, facets, comm.PropertiesFacet)

	hello := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello " + r.URL.Path))
	})
	require.NoError(t, c.AddAdminFacet("Hello", hello))
	require.ErrorIs(t, c.AddAdminFacet("Hello", hello), comm.ErrFacetExists)

	_, err = c.FindAdminFacet("Hello")
	require.NoError(t, err)

	srv := httptest.NewServer(c.AdminHandler())
	t.Cleanup(srv.Close)

	resp, err := client.Get(srv.URL + "/admin/Hello/world")
	require.NoError(t, err)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello /world", body)

	resp, err = client.Get(srv.URL + "/admin/")
	require.NoError(t, err)
	var names []string
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &names))
	require.Equal(t, []string{"Hello", "Process", "Properties"}, names)

	_, err = c.RemoveAdminFacet("Hello")
	require.NoError(t, err)
	_, err = c.RemoveAdminFacet("Hello")
	require.ErrorIs(t, err, comm.ErrFacetNotFound)

	resp, err = client.Get(srv.URL + "/admin/Hello/world")
	require.NoError(t, err)
	_ = readBody(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFacetFilter(t *testing.T) {
	t.Parallel()
	c := comm.New(properties.FromMap(map[string]string{
		"Ice.Admin.Enabled": "1",
		"Ice.Admin.Facets":  "Properties",
		"Ice.ProgramName":   "filtered",
	}))
	t.Cleanup(func() { _ = c.Destroy() })
	srv := httptest.NewServer(c.AdminHandler())
	t.Cleanup(srv.Close)

	resp, err := client.Post(srv.URL+"/admin/Process/shutdown", "", nil)
	require.NoError(t, err)
	_ = readBody(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = client.Get(srv.URL + "/admin/Properties/Ice.ProgramName")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `"filtered"`, readBody(t, resp))

	// stored, just not served
	_, err = c.FindAdminFacet(comm.ProcessFacet)
	require.NoError(t, err)
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	c := comm.New(properties.FromMap(map[string]string{
		"Ice.Admin.Endpoints": "127.0.0.1:0",
	}))

	require.NoError(t, c.Activate(t.Context()))
	require.NoError(t, c.Activate(t.Context()))
	addr := c.AdminAddr()
	require.NotEmpty(t, addr)

	waited := make(chan error, 1)
	go func() {
		waited <- c.WaitForShutdown(t.Context())
	}()

	resp, err := client.Post("http://"+addr+"/admin/Process/shutdown", "", nil)
	require.NoError(t, err)
	_ = readBody(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForShutdown did not return")
	}
	require.NoError(t, c.Shutdown())

	require.NoError(t, c.Destroy())
	require.NoError(t, c.Destroy())
	require.ErrorIs(t, c.Shutdown(), comm.ErrDisposed)
	require.ErrorIs(t, c.WaitForShutdown(t.Context()), comm.ErrDisposed)
	require.ErrorIs(t, c.AddAdminFacet("x", http.NotFoundHandler()), comm.ErrDisposed)
	_, err = c.FindAllAdminFacets()
	require.ErrorIs(t, err, comm.ErrDisposed)
	require.Empty(t, c.AdminAddr())
}

func TestWaitForShutdownContext(t *testing.T) {
	t.Parallel()
	c := comm.New(properties.New())
	t.Cleanup(func() { _ = c.Destroy() })

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.WaitForShutdown(ctx), context.DeadlineExceeded)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
