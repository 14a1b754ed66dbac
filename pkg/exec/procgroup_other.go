//go:build !unix

package exec

import (
	"os"
	osexec "os/exec"
	"syscall"
)

// Process groups are a unix concept; elsewhere only the direct child is
// signalled.
func setProcessGroup(*osexec.Cmd) {}

func signalGroup(pid int, _ syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func groupAlive(int) bool {
	return false
}
