package builtin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/mattn/go-shellwords"

	"github.com/CZERTAINLY/icebox/internal/icebox"
)

const (
	Module   = "builtin"
	ExecType = "Exec"
)

// Register adds the builtin services to r
func Register(r *icebox.Registry) error {
	return r.RegisterWithCommunicator(Module, ExecType, NewExec)
}

// Exec runs an external command, args[0] with args[1:], as a service. It is
// configured by the properties of its communicator:
//
//	<name>.Env             extra environment, KEY=VALUE items split like shell
//	                       words, e.g. MSG='hello world' PATH=/bin:/usr/bin
//	<name>.Timeout         kill a run after this duration
//	<name>.Schedule        cron expression or ISO 8601 duration, run once at start if empty
//	<name>.ShutdownOnExit  shut the whole process down when an unscheduled command exits
type Exec struct {
	main   icebox.Communicator
	runner *Runner

	mx        sync.Mutex
	logger    *slog.Logger
	cmd       Command
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewExec creates the service, main is the communicator of the service
// manager used by ShutdownOnExit.
func NewExec(main icebox.Communicator) (icebox.Service, error) {
	return &Exec{
		main:   main,
		runner: NewRunner(),
	}, nil
}

func (e *Exec) Start(ctx context.Context, name string, c icebox.Communicator, args []string) error {
	if len(args) == 0 {
		return errors.New("no command to execute")
	}
	props := c.Properties()

	e.mx.Lock()
	defer e.mx.Unlock()
	if e.cancel != nil {
		return errors.New("already running")
	}

	env, err := shellwords.Parse(props.Get(name + ".Env"))
	if err != nil {
		return fmt.Errorf("parsing %s.Env: %w", name, err)
	}

	e.logger = c.Logger().With("service", name)
	e.cmd = Command{
		Path:    args[0],
		Args:    args[1:],
		Env:     env,
		Timeout: props.GetAsDuration(name+".Timeout", 0),
	}
	// ctx of Start ends when Start returns
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if schedule := props.Get(name + ".Schedule"); schedule != "" {
		s, err := newScheduler(ctx, schedule, func() { e.run(runCtx) })
		if err != nil {
			cancel()
			return err
		}
		e.scheduler = s
		s.Start()
		e.cancel = cancel
		e.logger.InfoContext(ctx, "command scheduled", "path", e.cmd.Path, "schedule", schedule)
		return nil
	}

	if err := e.runner.Start(runCtx, e.cmd, e.stderr); err != nil {
		cancel()
		return fmt.Errorf("starting %s: %w", e.cmd.Path, err)
	}
	e.cancel = cancel
	shutdownOnExit := props.GetAsBool(name + ".ShutdownOnExit")
	e.wg.Go(func() {
		e.report(runCtx, <-e.runner.WaitChan())
		if shutdownOnExit && runCtx.Err() == nil {
			e.logger.InfoContext(runCtx, "command exited: shutting down")
			if err := e.main.Shutdown(); err != nil {
				e.logger.WarnContext(runCtx, "shutdown failed", "error", err)
			}
		}
	})
	return nil
}

// Stop kills a running command and waits for it
func (e *Exec) Stop(ctx context.Context) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	e.cancel = nil

	var err error
	if e.scheduler != nil {
		err = e.scheduler.Shutdown()
		e.scheduler = nil
	}
	e.wg.Wait()
	select {
	case <-e.runner.WaitChan():
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("shutting down scheduler: %w", err)
	}
	return nil
}

// Last returns the result of the last run
func (e *Exec) Last() Result {
	return e.runner.Result()
}

func (e *Exec) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	err := e.runner.Start(ctx, e.cmd, e.stderr)
	switch {
	case errors.Is(err, ErrInProgress):
		e.logger.WarnContext(ctx, "previous run still in progress: skipping")
		return
	case err != nil:
		e.logger.ErrorContext(ctx, "command can't be started", "path", e.cmd.Path, "error", err)
		return
	}
	e.report(ctx, <-e.runner.WaitChan())
}

func (e *Exec) report(ctx context.Context, res Result) {
	attrs := []any{"path", res.Path, "duration", res.Stopped.Sub(res.Started).String()}
	if res.State != nil {
		attrs = append(attrs, "exit_code", res.State.ExitCode())
	}
	if res.Stdout != nil {
		attrs = append(attrs, "stdout_bytes", res.Stdout.Len())
	}
	if res.Err != nil && ctx.Err() == nil {
		e.logger.ErrorContext(ctx, "command failed", append(attrs, "error", res.Err)...)
		return
	}
	e.logger.InfoContext(ctx, "command finished", attrs...)
}

func (e *Exec) stderr(ctx context.Context, line string) {
	e.logger.InfoContext(ctx, "stderr", "line", line)
}

var _ icebox.Service = (*Exec)(nil)
