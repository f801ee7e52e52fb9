package agentproc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Transport is a running worker process as seen by the client.
type Transport interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	PID() int
	Wait() error
	Kill() error
}

// SpawnSpec is everything needed to start a worker process.
type SpawnSpec struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Transport, error)
}

// ExecSpawner starts workers with os/exec.
type ExecSpawner struct{}

// Spawn starts the process. The process is not tied to ctx: the client
// decides when to kill it.
func (ExecSpawner) Spawn(_ context.Context, spec SpawnSpec) (Transport, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	return &execTransport{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (t *execTransport) Stdin() io.WriteCloser { return t.stdin }
func (t *execTransport) Stdout() io.Reader     { return t.stdout }
func (t *execTransport) Stderr() io.Reader     { return t.stderr }
func (t *execTransport) PID() int              { return t.cmd.Process.Pid }
func (t *execTransport) Wait() error           { return t.cmd.Wait() }

func (t *execTransport) Kill() error {
	if t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Kill()
}
