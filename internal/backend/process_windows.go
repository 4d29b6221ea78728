//go:build windows

package backend

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"relay/internal/logging"
)

// ExecLauncher spawns the backend binary. Windows has no pty support
// here; console output is forwarded from a plain pipe.
type ExecLauncher struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
	Logger *logging.Logger
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
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

	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = writer
	cmd.Stderr = writer
	if err := cmd.Start(); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		return nil, err
	}
	_ = writer.Close()

	process := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer reader.Close()
		if l.Logger != nil {
			scoped := l.Logger.With(map[string]string{"backend_port": strconv.Itoa(port)})
			scanner := bufio.NewScanner(reader)
			for scanner.Scan() {
				line := strings.TrimRight(scanner.Text(), "\r")
				if line != "" {
					scoped.Debug("backend console", map[string]string{"line": line})
				}
			}
		}
		_ = cmd.Wait()
		close(process.done)
	}()
	return process, nil
}

func (p *execProcess) Stop(ctx context.Context) error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	<-p.done
	return nil
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
