package builtin_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/icebox/internal/builtin"
	"github.com/CZERTAINLY/icebox/internal/comm"
	"github.com/CZERTAINLY/icebox/internal/icebox"
	"github.com/CZERTAINLY/icebox/internal/properties"

	"github.com/stretchr/testify/require"
)

func newExec(t *testing.T, props map[string]string) (*builtin.Exec, *comm.Communicator, *comm.Communicator) {
	t.Helper()
	main := comm.New(properties.New())
	t.Cleanup(func() { _ = main.Destroy() })
	svcComm := comm.New(properties.FromMap(props))
	t.Cleanup(func() { _ = svcComm.Destroy() })

	svc, err := builtin.NewExec(main)
	require.NoError(t, err)
	return svc.(*builtin.Exec), main, svcComm
}

func waitStopped(t *testing.T, e *builtin.Exec) builtin.Result {
	t.Helper()
	var res builtin.Result
	require.Eventually(t, func() bool {
		res = e.Last()
		return !res.Stopped.IsZero()
	}, 5*time.Second, 10*time.Millisecond)
	return res
}

func TestExecRunsOnce(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	e, main, c := newExec(t, map[string]string{
		"Job.Env": `ICEBOX_GREETING='hello world' ICEBOX_LIST=a,b`,
	})
	err := e.Start(t.Context(), "Job", c, []string{sh, "-c", `echo "$ICEBOX_GREETING|$ICEBOX_LIST"; echo oops 1>&2`})
	require.NoError(t, err)

	res := waitStopped(t, e)
	require.NoError(t, res.Err)
	require.Equal(t, []string{"ICEBOX_GREETING=hello world", "ICEBOX_LIST=a,b"}, res.Env)
	require.Equal(t, "hello world|a,b\n", res.Stdout.String())
	require.NoError(t, e.Stop(t.Context()))

	select {
	case <-main.Done():
		t.Fatal("main communicator shut down without ShutdownOnExit")
	default:
	}
}

func TestExecShutdownOnExit(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	e, main, c := newExec(t, map[string]string{
		"Job.ShutdownOnExit": "1",
	})
	require.NoError(t, e.Start(t.Context(), "Job", c, []string{sh, "-c", "exit 3"}))

	select {
	case <-main.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("main communicator not shut down")
	}
	require.Equal(t, 3, e.Last().State.ExitCode())
	require.NoError(t, e.Stop(t.Context()))
}

func TestExecStopKills(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")

	e, main, c := newExec(t, map[string]string{
		"Job.ShutdownOnExit": "1",
	})
	require.NoError(t, e.Start(t.Context(), "Job", c, []string{sleep, "60"}))

	start := time.Now()
	require.NoError(t, e.Stop(t.Context()))
	require.Less(t, time.Since(start), 5*time.Second)
	require.Error(t, e.Last().Err)

	// a killed command does not take the process down
	select {
	case <-main.Done():
		t.Fatal("main communicator shut down by Stop")
	default:
	}
	// stopping twice is fine
	require.NoError(t, e.Stop(t.Context()))
}

func TestExecTimeout(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")

	e, _, c := newExec(t, map[string]string{
		"Job.Timeout": "50ms",
	})
	require.NoError(t, e.Start(t.Context(), "Job", c, []string{sleep, "60"}))
	res := waitStopped(t, e)
	require.Error(t, res.Err)
	require.Less(t, res.Stopped.Sub(res.Started), 5*time.Second)
	require.NoError(t, e.Stop(t.Context()))
}

func TestExecSchedule(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")
	out := filepath.Join(t.TempDir(), "runs")

	e, _, c := newExec(t, map[string]string{
		"Job.Schedule": "PT0.05S",
	})
	require.NoError(t, e.Start(t.Context(), "Job", c, []string{sh, "-c", "echo run >> " + out}))
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(out)
		return err == nil && bytes.Count(b, []byte("run\n")) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, e.Stop(t.Context()))
}

func TestExecStartErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		props    map[string]string
		args     []string
		err      string
	}{
		{"no command", nil, nil, "no command to execute"},
		{"unbalanced env", map[string]string{"Job.Env": "MSG='oops"}, []string{"true"}, "parsing Job.Env"},
		{"bad schedule", map[string]string{"Job.Schedule": "P1X"}, []string{"true"}, "parsing schedule"},
		{"negative schedule", map[string]string{"Job.Schedule": "PT-5S"}, []string{"true"}, "duration must be positive"},
		{"bad cron", map[string]string{"Job.Schedule": "* * *"}, []string{"true"}, "parsing schedule"},
		{"missing binary", nil, []string{"/does/not/exist"}, "starting /does/not/exist"},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			e, _, c := newExec(t, tc.props)
			err := e.Start(t.Context(), "Job", c, tc.args)
			require.ErrorContains(t, err, tc.err)
			require.NoError(t, e.Stop(t.Context()))
		})
	}
}

func TestExecManagedByServiceManager(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	r := icebox.NewRegistry()
	require.NoError(t, builtin.Register(r))
	require.Equal(t, []string{"builtin:Exec"}, r.Types())

	c := comm.New(properties.FromMap(map[string]string{
		"IceBox.Service.Job": "builtin:Exec --Job.ShutdownOnExit " + sh + " -c 'exit 0'",
	}))
	t.Cleanup(func() { _ = c.Destroy() })
	m := icebox.NewServiceManager(c, r, nil, icebox.WithOutput(io.Discard))

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Run(ctx))
	require.NoError(t, ctx.Err(), "Run returned because of the timeout")
}
