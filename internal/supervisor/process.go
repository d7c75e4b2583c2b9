package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boomtrade/bridge/pkg/logger"
)

const outputWaitDelay = 5 * time.Second

// ExecLauncher runs the gateway as a local child process.
type ExecLauncher struct {
	Command string
	Args    []string
	Dir     string
	Log     *logger.Logger
}

func (l *ExecLauncher) Launch(ctx context.Context, env []string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(l.Command) == "" {
		return nil, fmt.Errorf("gateway command is not configured")
	}
	log := l.Log
	if log == nil {
		log = logger.Nop()
	}
	log = log.Component("gateway")

	// Not CommandContext: the child outlives the launch call and is only
	// stopped through Terminate.
	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = outputWaitDelay
	setProcessGroup(cmd)

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	stdout := &lineLogger{log: log, stream: "stdout", pid: &p.pid}
	stderr := &lineLogger{log: log, stream: "stderr", pid: &p.pid}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p.pid.Store(int64(cmd.Process.Pid))

	go func() {
		// Wait returns after both output copiers have finished.
		p.err = cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	pid  atomic.Int64
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int              { return int(p.pid.Load()) }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) Terminate(grace time.Duration) {
	select {
	case <-p.done:
		return
	default:
	}

	_ = signalGroup(p.cmd, terminateSignal)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return
	case <-timer.C:
	}
	_ = signalGroup(p.cmd, os.Kill)
	<-p.done
}

// lineLogger turns a byte stream into one log entry per line.
type lineLogger struct {
	log    *logger.Logger
	stream string
	pid    *atomic.Int64

	mu  sync.Mutex
	buf bytes.Buffer
}

const maxLineBytes = 16 << 10

func (w *lineLogger) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(b)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line: keep it for the next write unless it is huge.
			if len(line) >= maxLineBytes {
				w.emit(line)
			} else {
				w.buf.Write(line)
			}
			break
		}
		w.emit(line)
	}
	return len(b), nil
}

func (w *lineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
}

func (w *lineLogger) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r\n")
	if text == "" {
		return
	}
	w.log.Infof(text, logger.Fields{"stream": w.stream, "pid": w.pid.Load()})
}
