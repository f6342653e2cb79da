package encoder

import (
	"io"
	"os/exec"
)

// Cmder is the part of an encoder process the supervisor needs. Tests swap in
// fakes through CmderCreator.
type Cmder interface {
	SetStdout(w io.Writer)
	SetStderr(w io.Writer)
	Start() error
	Wait() error
	Pid() int
	// Terminate asks the process to exit.
	Terminate() error
	// Kill ends the process without giving it a chance to clean up.
	Kill() error
}

type CmderCreator func(bin string, args []string) Cmder

type RealCmder struct {
	cmd *exec.Cmd
}

func NewRealCmder(bin string, args []string) Cmder {
	cmd := exec.Command(bin, args...)
	setProcessGroup(cmd)
	return &RealCmder{cmd: cmd}
}

func (r *RealCmder) SetStdout(w io.Writer) {
	r.cmd.Stdout = w
}

func (r *RealCmder) SetStderr(w io.Writer) {
	r.cmd.Stderr = w
}

func (r *RealCmder) Start() error {
	return r.cmd.Start()
}

func (r *RealCmder) Wait() error {
	return r.cmd.Wait()
}

func (r *RealCmder) Pid() int {
	if r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

func (r *RealCmder) Terminate() error {
	return terminateGroup(r.cmd)
}

func (r *RealCmder) Kill() error {
	return killGroup(r.cmd)
}
