package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kromosynth/run-orchestrator/pkg/types"
	"gopkg.in/natefinch/lumberjack.v2"
)

// process tracks one running (or recently exited) child process.
type process struct {
	mu sync.Mutex

	name      string
	kind      types.ServiceKind
	runID     string
	port      int
	spec      Spec
	isCompute bool

	cmd       *exec.Cmd
	cancel    context.CancelFunc
	status    types.ServiceStatus
	startedAt time.Time
	exitCode  *int
	stopping  bool

	// generation counts spawn incarnations. The exit-wait goroutine of
	// each incarnation carries the generation it was started under, so a
	// wait that outlives a restart can tell it is stale and must not
	// touch the current incarnation's state.
	generation int
	// exited is closed by the current incarnation's exit-wait goroutine
	// after onExit has run; stop() waits on it instead of issuing a
	// second cmd.Wait.
	exited chan struct{}

	// nextPeriodicRestart is the next instant the resource monitor may
	// restart this process per its RestartCron; zero for stateful specs
	// and specs without a schedule.
	nextPeriodicRestart time.Time

	outLog      *lumberjack.Logger
	errLog      *lumberjack.Logger
	combinedLog *lumberjack.Logger

	// publishLog is set by the owning Supervisor before spawn so scanned
	// lines reach the stream broker.
	publishLog func(processName, stream, line string)
}

func (p *process) snapshot() types.ServiceInstanceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := types.ServiceInstanceStatus{
		Name:      p.name,
		Kind:      p.kind,
		Status:    p.status,
		Port:      p.port,
		StartedAt: p.startedAt,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		st.Pid = int32(p.cmd.Process.Pid)
	}
	return st
}

// spawn starts the OS process and its log pumps. The caller must not hold
// the supervisor's lock while this runs a suspension point (the exec
// itself is near-instant, but the log pumps run for the process's whole
// life in their own goroutines).
func (p *process) spawn(onExit func(*process, int, int, error)) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	executable := p.spec.Executable
	args := p.spec.Args
	if p.spec.Interpreter != "" {
		args = append([]string{executable}, args...)
		executable = p.spec.Interpreter
	}

	cmd := exec.CommandContext(ctx, executable, args...)
	cmd.Dir = p.spec.WorkingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := append([]string{}, os.Environ()...)
	for k, v := range p.spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	if p.port != 0 {
		env = append(env, fmt.Sprintf("PORT=%d", p.port))
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("process %s: stdout pipe: %w", p.name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("process %s: stderr pipe: %w", p.name, err)
	}

	if p.spec.LogDir != "" {
		p.outLog = &lumberjack.Logger{Filename: filepath.Join(p.spec.LogDir, p.runID+".out.log"), MaxSize: 50, MaxBackups: 3}
		p.errLog = &lumberjack.Logger{Filename: filepath.Join(p.spec.LogDir, p.runID+".err.log"), MaxSize: 50, MaxBackups: 3}
		p.combinedLog = &lumberjack.Logger{Filename: filepath.Join(p.spec.LogDir, p.runID+".combined.log"), MaxSize: 50, MaxBackups: 3}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("process %s: start: %w", p.name, err)
	}

	exited := make(chan struct{})

	p.mu.Lock()
	p.cmd = cmd
	p.generation++
	gen := p.generation
	p.exited = exited
	p.status = types.ServiceStatusOnline
	p.startedAt = time.Now()
	p.mu.Unlock()

	go p.pump(stdout, "stdout")
	go p.pump(stderr, "stderr")

	// Sole owner of cmd.Wait for this incarnation. onExit runs before
	// exited closes, so a stop() that returns has already seen the
	// terminal status applied.
	go func() {
		waitErr := cmd.Wait()
		code := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		onExit(p, gen, code, waitErr)
		close(exited)
	}()

	return nil
}

func (p *process) pump(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.writeLogLine(stream, line)
		p.onLogLine(stream, line)
	}
}

func (p *process) writeLogLine(stream, line string) {
	if p.combinedLog != nil {
		fmt.Fprintf(p.combinedLog, "[%s] %s\n", stream, line)
	}
	switch stream {
	case "stdout":
		if p.outLog != nil {
			fmt.Fprintln(p.outLog, line)
		}
	case "stderr":
		if p.errLog != nil {
			fmt.Fprintln(p.errLog, line)
		}
	}
}

// onLogLine publishes the scanned line through the supervisor that owns
// this process, if publishLog was set.
func (p *process) onLogLine(stream, line string) {
	if p.publishLog != nil {
		p.publishLog(p.name, stream, line)
	}
}

// stop sends SIGTERM, waits up to grace on the spawn goroutine's exit
// notification, then escalates to SIGKILL. It marks the process as
// deliberately stopping so the exit handler does not restart it. cmd.Wait
// stays single-callered: the spawn goroutine owns it, and stop only
// observes its exited channel.
func (p *process) stop(grace time.Duration) {
	p.mu.Lock()
	p.stopping = true
	if p.status == types.ServiceStatusOnline || p.status == types.ServiceStatusLaunching {
		p.status = types.ServiceStatusStopping
	}
	cmd := p.cmd
	exited := p.exited
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-exited:
	case <-time.After(grace):
		if err == nil {
			syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			cmd.Process.Kill()
		}
		<-exited
	}
}
