//go:build !unix

package timeoutcmd

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) error { return terminate(cmd) }

func exitStatus(ps *os.ProcessState) int { return ps.ExitCode() }
