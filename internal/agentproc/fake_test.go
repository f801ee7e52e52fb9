package agentproc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// fakeTransport is an in-memory worker process driven by a test script.
type fakeTransport struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	pid      int
	exited   chan struct{}
	exitOnce sync.Once
	killed   atomic.Bool
}

func newFakeTransport(pid int) *fakeTransport {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &fakeTransport{stdinR: inR, stdinW: inW, stdoutR: outR, stdoutW: outW, pid: pid, exited: make(chan struct{})}
}

func (f *fakeTransport) Stdin() io.WriteCloser { return f.stdinW }
func (f *fakeTransport) Stdout() io.Reader     { return f.stdoutR }
func (f *fakeTransport) Stderr() io.Reader     { return nil }
func (f *fakeTransport) PID() int              { return f.pid }

func (f *fakeTransport) Wait() error {
	<-f.exited
	if f.killed.Load() {
		return errors.New("signal: killed")
	}
	return nil
}

func (f *fakeTransport) Kill() error {
	f.killed.Store(true)
	f.exit()
	return nil
}

// exit simulates process termination.
func (f *fakeTransport) exit() {
	f.exitOnce.Do(func() {
		f.stdoutW.Close()
		f.stdinR.Close()
		close(f.exited)
	})
}

// emit writes one stdout line; errors mean the process was killed.
func (f *fakeTransport) emit(line string) {
	_, _ = io.WriteString(f.stdoutW, line+"\n")
}

// readAll drains stdin until the client closes it.
func (f *fakeTransport) readAll() string {
	data, _ := io.ReadAll(f.stdinR)
	return string(data)
}

// lines returns a scanner over stdin for interactive scripts.
func (f *fakeTransport) lines() *bufio.Scanner {
	return bufio.NewScanner(f.stdinR)
}

type fakeSpawner struct {
	mu     sync.Mutex
	script func(call int, ft *fakeTransport)
	specs  []SpawnSpec
	err    error
}

func (s *fakeSpawner) Spawn(_ context.Context, spec SpawnSpec) (Transport, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	call := len(s.specs)
	s.specs = append(s.specs, spec)
	s.mu.Unlock()

	ft := newFakeTransport(1000 + call)
	go func() {
		s.script(call, ft)
		ft.exit()
	}()
	return ft, nil
}

func (s *fakeSpawner) spec(i int) SpawnSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specs[i]
}

type fakeReaper struct {
	mu         sync.Mutex
	children   []int
	terminated []int
}

func (r *fakeReaper) Descendants(int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.children...)
}

func (r *fakeReaper) Terminate(pids []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = append(r.terminated, pids...)
}

func newTestClient(t *testing.T, sp *fakeSpawner) (*Client, *fakeReaper, *test.Hook) {
	t.Helper()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	reg := NewProfileRegistry()
	for _, name := range []string{ProfilePlanner, ProfileWorker} {
		if err := reg.Register(Profile{Name: name, Command: "worker-bin"}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := reg.Register(Profile{Name: ProfileMedia, Command: "worker-bin",
		MediaTools: map[string]string{"image": "mcp__media__generate_image", "speech": "mcp__media__generate_speech"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reaper := &fakeReaper{}
	c := &Client{Profiles: reg, Spawner: sp, Reaper: reaper, Log: log}
	return c, reaper, hook
}
