//go:build linux

package processmgr

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/edirooss/zmux-mixer/internal/pipeline"
	"go.uber.org/zap"
)

// process encapsulates one supervised ffmpeg invocation.
// Features:
//   - race-free pipe setup (stdin/stdout/stderr)
//   - frame accounting from `-progress pipe:1` blocks on stdout
//   - stderr capture into a ring buffer with hardware fault detection
//   - live filter commands written to stdin
//   - deterministic teardown (SIGTERM → grace → SIGKILL)
//
// Canonical usage:
//
//	p → Start() → <-FirstFrame() → Command(...) → Close(grace) → <-Done()
type process struct {
	log      *zap.Logger
	logBuf   *logBuffer
	hardware bool

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	stdin  io.WriteCloser

	// Closed on the first progress block reporting frame > 0.
	first     chan struct{}
	firstOnce sync.Once

	// Closed after the process is fully reaped.
	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	started   atomic.Bool
	requested atomic.Bool // Close() was called; exit is not a failure
	hwFault   atomic.Bool // stderr matched a hardware marker
	cmdPID    atomic.Int64
	frames    atomic.Int64

	statsMu   sync.Mutex
	startedAt time.Time
	firstAt   time.Time
	lastAt    time.Time
	lastLine  string
	exitErr   error

	// Serializes stdin writers.
	stdinMu sync.Mutex
}

// newProcess constructs a process wrapper around exec.Cmd.
//
// Linux-specific attributes:
//   - Setpgid: isolates the child into its own process group
//   - Pdeathsig: ensures child receives SIGKILL if the parent dies
func newProcess(log *zap.Logger, logBuf *logBuffer, env, argv []string, hardware bool) (*process, error) {
	if log == nil || logBuf == nil || len(argv) == 0 {
		return nil, errors.New("new process: invalid parameters")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, stderr, stdin, err := pipes(cmd)
	if err != nil {
		return nil, fmt.Errorf("pipe initialization: %w", err)
	}

	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	return &process{
		log:      log,
		logBuf:   logBuf,
		hardware: hardware,
		cmd:      cmd,
		stdout:   stdout,
		stderr:   stderr,
		stdin:    stdin,
		first:    make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the command exactly once.
func (p *process) Start() error {
	err := errors.New("process already started")

	p.startOnce.Do(func() {
		if err = p.cmd.Start(); err != nil {
			err = fmt.Errorf("start %s: %w", p.cmd.Path, err)
			return
		}

		pid := p.cmd.Process.Pid
		p.started.Store(true)
		p.cmdPID.Store(int64(pid))

		p.statsMu.Lock()
		p.startedAt = time.Now()
		p.statsMu.Unlock()

		p.log.Info("process started", zap.Int("cmd_pid", pid))
		go p.supervise()
	})

	return err
}

// supervise drains both pipes, reaps the child once, classifies the exit and
// fires Done().
func (p *process) supervise() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.handleStdout()
	}()
	go func() {
		defer wg.Done()
		p.handleStderr()
	}()

	// Pipes close when the child exits (or closes them itself, which ffmpeg
	// never does while healthy).
	wg.Wait()

	err := p.cmd.Wait()
	exitErr := p.classify(err)

	p.statsMu.Lock()
	p.exitErr = exitErr
	p.statsMu.Unlock()

	p.stdinMu.Lock()
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
	p.stdinMu.Unlock()

	if exitErr != nil {
		p.log.Warn("process exited", zap.Error(exitErr))
	} else {
		p.log.Info("process exited cleanly")
	}
	close(p.done)
}

// hwMarkers are stderr fragments that indicate the encoder device failed
// rather than the input or the network.
var hwMarkers = []string{
	"vidioc_",
	"v4l2_m2m",
	"failed to initialise vaapi",
	"vaapi",
	"cuda_error",
	"openencodesessionex failed",
	"nvenc",
	"device creation failed",
	"hw_frames_ctx",
}

func isHardwareMarker(line string) bool {
	l := strings.ToLower(line)
	for _, m := range hwMarkers {
		if strings.Contains(l, m) {
			return true
		}
	}
	return false
}

// classify turns the Wait() result into the handle's exit cause.
func (p *process) classify(waitErr error) error {
	if p.requested.Load() {
		return nil
	}

	p.statsMu.Lock()
	last := p.lastLine
	p.statsMu.Unlock()

	var crashSignal bool
	detail := "exited"
	var eerr *exec.ExitError
	if errors.As(waitErr, &eerr) {
		if status, ok := eerr.ProcessState.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				detail = "killed by " + status.Signal().String()
				switch status.Signal() {
				case syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGILL, syscall.SIGABRT:
					crashSignal = true
				}
			} else {
				detail = "exit status " + strconv.Itoa(status.ExitStatus())
			}
		}
	} else if waitErr != nil {
		detail = waitErr.Error()
	}
	if last != "" {
		detail += ": " + last
	}

	if p.hardware && (p.hwFault.Load() || crashSignal) {
		return fmt.Errorf("%w: %s", pipeline.ErrHardwareFault, detail)
	}
	return fmt.Errorf("%w: %s", pipeline.ErrExited, detail)
}

// handleStdout consumes `-progress` key=value blocks. Only frame counters are
// kept; progress lines are not logged.
func (p *process) handleStdout() {
	sc := bufio.NewScanner(p.stdout)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok || key != "frame" {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			continue
		}
		p.observeFrames(n)
	}

	if err := sc.Err(); err != nil {
		p.log.Error("stdout scanner failure", zap.Error(err))
	}
}

func (p *process) observeFrames(n int64) {
	prev := p.frames.Swap(n)
	if n <= prev {
		return
	}
	now := time.Now()
	p.statsMu.Lock()
	p.lastAt = now
	if p.firstAt.IsZero() {
		p.firstAt = now
	}
	p.statsMu.Unlock()
	p.firstOnce.Do(func() { close(p.first) })
}

// handleStderr streams stderr into the log buffer and watches for hardware
// fault markers.
func (p *process) handleStderr() {
	sc := bufio.NewScanner(p.stderr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		line := sc.Text()
		p.logBuf.Append(line)
		if p.hardware && isHardwareMarker(line) {
			p.hwFault.Store(true)
		}
		p.statsMu.Lock()
		p.lastLine = line
		p.statsMu.Unlock()
	}

	if err := sc.Err(); err != nil {
		p.log.Error("stderr scanner failure", zap.Error(err))
	}
}

// Command sends filter commands through ffmpeg's interactive channel: the 'c'
// key followed by "<target> <time> <command> <arg>".
func (p *process) Command(lines ...string) error {
	if !p.started.Load() {
		return pipeline.ErrNotStarted
	}

	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()

	select {
	case <-p.done:
		return errors.New("cannot send command: process already exited")
	default:
	}

	if p.stdin == nil {
		return errors.New("stdin not available")
	}

	for _, l := range lines {
		if _, err := io.WriteString(p.stdin, "c"+l+"\n"); err != nil {
			return fmt.Errorf("write command %q: %w", l, err)
		}
	}
	p.log.Debug("filter commands written", zap.Int("count", len(lines)))
	return nil
}

func (p *process) FirstFrame() <-chan struct{} { return p.first }
func (p *process) Done() <-chan struct{}       { return p.done }

func (p *process) stats() pipeline.Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	alive := p.started.Load()
	select {
	case <-p.done:
		alive = false
	default:
	}
	return pipeline.Stats{
		Alive:        alive,
		Frames:       p.frames.Load(),
		StartedAt:    p.startedAt,
		FirstFrameAt: p.firstAt,
		LastFrameAt:  p.lastAt,
	}
}

func (p *process) err() error {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.exitErr
}

// Close initiates deterministic shutdown:
//
//   - sends 'q' on stdin so ffmpeg finalizes its outputs
//   - sends SIGTERM to the process group
//   - escalates to SIGKILL after grace if still alive
//
// Close() is idempotent and concurrency-safe.
func (p *process) Close(grace time.Duration) {
	p.requested.Store(true)
	p.closeOnce.Do(func() {
		go func() {
			if !p.started.Load() {
				return
			}

			select {
			case <-p.done:
				return
			default:
			}

			p.stdinMu.Lock()
			if p.stdin != nil {
				_, _ = io.WriteString(p.stdin, "q")
			}
			p.stdinMu.Unlock()

			pid := int(p.cmdPID.Load())
			if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
				p.log.Warn("SIGTERM failed", zap.Error(err), zap.Int("cmd_pid", pid))
			}

			timer := time.NewTimer(grace)
			defer timer.Stop()

			select {
			case <-p.done:
				p.log.Debug("process exited gracefully", zap.Int("cmd_pid", pid))
			case <-timer.C:
				p.log.Warn("grace timeout expired; sending SIGKILL", zap.Int("cmd_pid", pid))
				if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
					p.log.Error("SIGKILL failed", zap.Error(err), zap.Int("cmd_pid", pid))
				}
			}
		}()
	})
}

// pipes prepares stdin, stdout and stderr for exec.Cmd.
//
// If any pipe fails, all previously-created pipes are closed so no file
// descriptors leak. After a failed Start exec.Cmd closes them itself.
func pipes(cmd *exec.Cmd) (io.ReadCloser, io.ReadCloser, io.WriteCloser, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe creation failure: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, nil, nil, fmt.Errorf("stderr pipe creation failure: %w", err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, nil, nil, fmt.Errorf("stdin pipe creation failure: %w", err)
	}

	return stdout, stderr, stdin, nil
}
