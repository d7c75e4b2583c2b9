//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

// Windows has no SIGTERM for child processes; Terminate falls through to Kill.
var terminateSignal os.Signal = os.Kill

func setProcessGroup(*exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, sig os.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}
