package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/go-logr/logr"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
)

// Process runs the command as a local child process. It provides no isolation beyond a private
// working directory and environment, so it is meant for development only.
type Process struct {
	log logr.Logger
}

func NewProcess(log logr.Logger) *Process {
	return &Process{log: log.WithName("process-environment")}
}

func (p *Process) Execute(ctx context.Context, e *Execution) (int, error) {
	if len(e.Command) == 0 {
		return -1, errors.New("command cannot be empty")
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.SourceDir
	cmd.Env = e.EnvList(map[string]string{
		"PATH":                    os.Getenv("PATH"),
		"HOME":                    e.SourceDir,
		sweeperv1.EnvDockerConfig: e.DockerConfigDir,
	})
	cmd.Stdout = e.Output
	cmd.Stderr = e.Output
	cmd.WaitDelay = 10 * time.Second

	p.log.V(1).Info("Starting process", "name", e.Name, "command", e.Command)
	err := cmd.Run()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case ctx.Err() != nil:
		return -1, ctx.Err()
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	}

	return -1, err
}
