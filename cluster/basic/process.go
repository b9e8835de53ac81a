package basic

import (
	"context"

	clusteriface "github.com/guseggert/sshmux/cluster"
)

type Process struct {
	Ctx     context.Context
	Process clusteriface.Process
}

func (p *Process) Context(ctx context.Context) *Process {
	newP := *p
	newP.Ctx = ctx
	return &newP
}

// Wait waits for the process and its output. Unlike Node.Run it does not treat a non-zero exit as an error.
func (p *Process) Wait() (*clusteriface.ProcessResult, error) {
	return p.Process.Wait(p.Ctx)
}

func (p *Process) MustWait() *clusteriface.ProcessResult { return Must2(p.Wait()) }
