package main

import (
	"context"
	"errors"
	"time"

	"github.com/Swind/go-task-bridge/core"
)

// RunCmd implements the 'run' command.
type RunCmd struct {
	Sleep        time.Duration `help:"How long the operation works before returning" default:"500ms"`
	Result       int           `help:"Value returned on success" default:"42"`
	Fail         string        `help:"Fail with this error message instead of returning"`
	Panic        bool          `help:"Panic inside the operation"`
	CancelAfter  time.Duration `name:"cancel-after" help:"Request cancellation after this delay (0 disables)"`
	PollInterval time.Duration `name:"poll-interval" help:"Override runner.poll_interval"`
	IgnoreCancel bool          `name:"ignore-cancel" help:"Operation ignores its context and keeps sleeping after cancellation"`
}

func (r *RunCmd) Run(g *Global) error {
	ctx, stop := signalContext()
	defer stop()

	b, err := g.newBridge(ctx, r.PollInterval)
	if err != nil {
		return err
	}
	defer b.Close()

	token := core.NewCancellationToken()
	if r.CancelAfter > 0 {
		timer := time.AfterFunc(r.CancelAfter, token.RequestCancel)
		defer timer.Stop()
	}

	outcome := core.RunCancellableNamed(ctx, b.runner, "simulated", r.operation(), token)
	return report(g.Stdout, outcome)
}

func (r *RunCmd) operation() core.Operation[int] {
	return func(ctx context.Context) (int, error) {
		if r.IgnoreCancel {
			time.Sleep(r.Sleep)
		} else {
			select {
			case <-time.After(r.Sleep):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		if r.Panic {
			panic("simulated panic")
		}
		if r.Fail != "" {
			return 0, errors.New(r.Fail)
		}
		return r.Result, nil
	}
}
