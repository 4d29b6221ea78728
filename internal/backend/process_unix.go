//go:build !windows

package backend

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"relay/internal/logging"
)

// ExecLauncher spawns the backend binary under a pty so its console
// output stays line-buffered and can be forwarded into the log stream.
type ExecLauncher struct {
	Binary string
	// Args may contain the {port} token, replaced at launch. When no
	// token is present, "--port <n>" is appended.
	Args   []string
	Dir    string
	Env    []string
	Logger *logging.Logger
}

type execProcess struct {
	cmd     *exec.Cmd
	console *os.File
	done    chan struct{}
	waitErr error
}

func (l *ExecLauncher) Launch(ctx context.Context, port int) (Process, error) {
	if strings.TrimSpace(l.Binary) == "" {
		return nil, errors.New("backend binary is required")
	}
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	args := expandPortArgs(l.Args, port)
	cmd := exec.Command(l.Binary, args...)
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	console, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}

	process := &execProcess{
		cmd:     cmd,
		console: console,
		done:    make(chan struct{}),
	}
	go process.forwardConsole(l.Logger, port)
	go func() {
		process.waitErr = cmd.Wait()
		close(process.done)
	}()
	return process, nil
}

func expandPortArgs(args []string, port int) []string {
	value := strconv.Itoa(port)
	expanded := make([]string, 0, len(args)+2)
	replaced := false
	for _, arg := range args {
		if strings.Contains(arg, "{port}") {
			arg = strings.ReplaceAll(arg, "{port}", value)
			replaced = true
		}
		expanded = append(expanded, arg)
	}
	if !replaced {
		expanded = append(expanded, "--port", value)
	}
	return expanded
}

func (p *execProcess) forwardConsole(logger *logging.Logger, port int) {
	defer p.console.Close()
	if logger == nil {
		return
	}
	scoped := logger.With(map[string]string{"backend_port": strconv.Itoa(port)})
	scanner := bufio.NewScanner(p.console)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		scoped.Debug("backend console", map[string]string{"line": line})
	}
}

// Stop terminates the whole process group: SIGTERM first, SIGKILL when
// the process outlives the context or the grace window.
func (p *execProcess) Stop(ctx context.Context) error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}

	pid := p.cmd.Process.Pid
	pgid := pid
	if gotten, err := syscall.Getpgid(pid); err == nil {
		pgid = gotten
	}

	if err := signalGroup(pid, pgid, syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	grace := time.NewTimer(5 * time.Second)
	defer grace.Stop()
	var cancelled <-chan struct{}
	if ctx != nil {
		cancelled = ctx.Done()
	}
	select {
	case <-p.done:
		return nil
	case <-grace.C:
	case <-cancelled:
	}

	if err := signalGroup(pid, pgid, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.done
	return nil
}

func signalGroup(pid, pgid int, sig syscall.Signal) error {
	if pgid > 0 {
		return syscall.Kill(-pgid, sig)
	}
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(pid, sig)
}
