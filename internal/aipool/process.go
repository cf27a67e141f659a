package aipool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"mt5-bridge/internal/aiworker"
	"mt5-bridge/internal/logger"
)

// Process is one running worker: a byte pipe in each direction plus
// lifecycle control.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Wait blocks until the process has exited.
	Wait() error
	// Kill terminates the process without waiting for it.
	Kill() error
}

// Launcher starts a worker process for one model file.
type Launcher interface {
	Launch(ctx context.Context, index int, modelPath string) (Process, error)
}

// ExecLauncher runs the aiworker binary as a child OS process.
type ExecLauncher struct {
	Bin  string
	Args func(modelPath string) []string
	Log  *slog.Logger
}

func (l *ExecLauncher) Launch(ctx context.Context, index int, modelPath string) (Process, error) {
	args := []string{"-model", modelPath}
	if l.Args != nil {
		args = l.Args(modelPath)
	}
	cmd := exec.Command(l.Bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Bin, err)
	}

	log := l.Log
	if log == nil {
		log = logger.Discard()
	}
	log = log.With("worker", index, "pid", cmd.Process.Pid)
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			log.Debug("worker stderr", "line", sc.Text())
		}
	}()

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }

// PipeLauncher runs workers in-process over io.Pipe with the same protocol
// code as the aiworker binary. Used by tests and single-binary deployments
// of the deterministic rules engine.
type PipeLauncher struct {
	NewEngine func(index int, modelPath string) aiworker.Engine
	Log       *slog.Logger
}

func (l *PipeLauncher) Launch(ctx context.Context, index int, modelPath string) (Process, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &pipeProcess{stdin: inW, stdout: outR, inR: inR, outW: outW, done: make(chan struct{})}

	log := l.Log
	if log == nil {
		log = logger.Discard()
	}
	engine := l.NewEngine(index, modelPath)
	go func() {
		defer close(p.done)
		p.err = aiworker.Serve(context.Background(), inR, outW, engine, modelPath, log.With("worker", index))
		outW.Close()
	}()
	return p, nil
}

type pipeProcess struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	inR    *io.PipeReader
	outW   *io.PipeWriter

	killOnce sync.Once
	done     chan struct{}
	err      error
}

func (p *pipeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *pipeProcess) Stdout() io.Reader     { return p.stdout }

func (p *pipeProcess) Wait() error {
	<-p.done
	return p.err
}

// Kill severs both pipes; Serve unblocks on the closed stdin and exits.
func (p *pipeProcess) Kill() error {
	p.killOnce.Do(func() {
		p.inR.CloseWithError(io.ErrClosedPipe)
		p.outW.CloseWithError(io.ErrClosedPipe)
	})
	return nil
}
