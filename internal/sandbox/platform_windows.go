//go:build windows

package sandbox

import (
	"errors"
	"os"
	"os/exec"
)

func resourceUsage(*exec.Cmd) *Usage { return nil }

func setupProcessGroup(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
