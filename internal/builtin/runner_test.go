package builtin_test

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/icebox/internal/builtin"

	"github.com/stretchr/testify/require"
)

func TestRunner(t *testing.T) {
	t.Parallel()
	yes := lookPath(t, "yes")

	runner := builtin.NewRunner()
	t.Run("not yet started", func(t *testing.T) {
		res := runner.Result()
		require.ErrorIs(t, res.Err, builtin.ErrNotStarted)
		res = <-runner.WaitChan()
		require.ErrorIs(t, res.Err, builtin.ErrNotStarted)
	})

	cmd := builtin.Command{
		Path:    yes,
		Args:    []string{"golang"},
		Env:     []string{"LC_ALL=C"},
		Timeout: 100 * time.Millisecond,
	}
	ctx := t.Context()

	var err error
	t.Run("start", func(t *testing.T) {
		err = runner.Start(ctx, cmd, nil)
		require.NoError(t, err)
		require.True(t, runner.Running())
		res := runner.Result()
		require.NoError(t, res.Err)
	})
	t.Run("in progress", func(t *testing.T) {
		err = runner.Start(ctx, cmd, nil)
		require.ErrorIs(t, err, builtin.ErrInProgress)
	})
	t.Run("wait", func(t *testing.T) {
		res := <-runner.WaitChan()
		require.Equal(t, yes, res.Path)
		require.Equal(t, []string{"golang"}, res.Args)
		require.NotZero(t, res.Started)
		require.NotZero(t, res.Stopped)
		require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), 100*time.Millisecond)
		var exitErr *exec.ExitError
		require.ErrorAs(t, res.Err, &exitErr)

		require.Greater(t, res.Stdout.Len(), 1024)
		require.True(t, strings.HasPrefix(
			string(res.Stdout.Bytes()[:256]),
			"golang\ngolang\n",
		))
		require.False(t, runner.Running())
	})
	t.Run("exec error", func(t *testing.T) {
		noCmd := builtin.Command{
			Path: "does not exist",
		}
		err := runner.Start(ctx, noCmd, nil)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, noCmd.Path, execErr.Name)
		require.False(t, runner.Running())
		require.ErrorAs(t, runner.Result().Err, &execErr)
	})
}

func TestRunnerRunsAgain(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	runner := builtin.NewRunner()
	for i := range 3 {
		require.NoError(t, runner.Start(t.Context(), builtin.Command{Path: sh, Args: []string{"-c", "exit 0"}}, nil))
		// two waiters on the same run
		first, second := runner.WaitChan(), runner.WaitChan()
		require.NoError(t, (<-first).Err, i)
		require.NoError(t, (<-second).Err, i)
	}
}

func TestStderr(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")

	cmd := builtin.Command{
		Path: sh,
		Args: []string{"-c", "echo stdout; printf 'stderr\\nstderr\\n' 1>&2"},
		Env:  []string{"ICEBOX_TEST=1"},
	}

	var mx sync.Mutex
	var stderr []string
	handle := func(_ context.Context, line string) {
		mx.Lock()
		defer mx.Unlock()
		stderr = append(stderr, line)
	}

	runner := builtin.NewRunner()
	err := runner.Start(t.Context(), cmd, handle)
	require.NoError(t, err)
	res := <-runner.WaitChan()
	require.NoError(t, res.Err)
	require.Equal(t, "stdout\n", res.Stdout.String())
	mx.Lock()
	defer mx.Unlock()
	require.Equal(t, []string{"stderr", "stderr"}, stderr)
}
