package process

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/loykin/sysinitd/internal/service"
)

// Run executes c to completion and returns its exit code. A non-zero exit is
// reported through the code, not the error. The error is set when the command
// could not be started or ctx ended first; the process group is then killed.
func Run(ctx context.Context, c service.Command, env []string) (int, error) {
	cmd := exec.CommandContext(ctx, c.Command, c.Arguments...) // #nosec G204
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), nil
	}
	return -1, err
}
