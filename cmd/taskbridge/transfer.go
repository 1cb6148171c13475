package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Swind/go-task-bridge/core"
	"github.com/Swind/go-task-bridge/observability/zaplog"
)

// TransferCmd implements the 'transfer' command.
type TransferCmd struct {
	Resource    string        `help:"Name of the simulated resource" default:"artifact.jar"`
	Size        int64         `help:"Total bytes to transfer" default:"1048576"`
	Chunk       int64         `help:"Bytes per progress callback" default:"65536"`
	Delay       time.Duration `help:"Delay between chunks" default:"20ms"`
	CancelAfter time.Duration `name:"cancel-after" help:"Cancel the progress indicator after this delay (0 disables)"`
}

func (t *TransferCmd) Run(g *Global) error {
	ctx, stop := signalContext()
	defer stop()

	b, err := g.newBridge(ctx, 0)
	if err != nil {
		return err
	}
	defer b.Close()

	indicator := core.NewBasicIndicator()
	token := core.NewTokenFromIndicator(indicator)
	if t.CancelAfter > 0 {
		timer := time.AfterFunc(t.CancelAfter, indicator.Cancel)
		defer timer.Stop()
	}
	listener := core.NewTransferListener(token, zaplog.New(g.Logger))

	outcome := core.RunCancellableNamed(ctx, b.runner, "transfer", t.operation(listener), token)
	fmt.Fprintf(g.Stdout, "progress: %.0f%% (%s)\n", indicator.Fraction()*100, indicator.Text())
	return report(g.Stdout, outcome)
}

func (t *TransferCmd) operation(listener *core.TransferListener) core.Operation[int64] {
	return func(ctx context.Context) (int64, error) {
		chunk := max(t.Chunk, 1)
		listener.TransferStarted(t.Resource, t.Size)

		var sent int64
		for sent < t.Size {
			select {
			case <-time.After(t.Delay):
			case <-ctx.Done():
				return sent, ctx.Err()
			}
			n := min(chunk, t.Size-sent)
			sent += n
			if err := listener.TransferProgress(t.Resource, n); err != nil {
				return sent, err
			}
		}

		listener.TransferCompleted(t.Resource)
		return sent, nil
	}
}
