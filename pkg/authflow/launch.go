package authflow

import (
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/luciuslab/concierge/internal/config"
)

// Process is a running authorization subprocess.
type Process interface {
	// Stdout streams the process's combined output.
	Stdout() io.Reader

	// Terminate asks the process to exit and escalates to a kill after
	// the grace period. It always reaps the process.
	Terminate(grace time.Duration)

	// Exited reports whether the process has finished.
	Exited() bool
}

// Launcher starts authorization subprocesses.
type Launcher interface {
	Launch(svc config.AuthServiceConfig, sessionKey string) (Process, error)
}

// ExecLauncher launches the configured command with os/exec. If the
// configured command cannot be started directly it retries through the
// shell, which resolves commands like npx from the user's PATH setup.
type ExecLauncher struct{}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	done   chan struct{}
}

// Launch starts the authorization subprocess for one service.
func (ExecLauncher) Launch(svc config.AuthServiceConfig, sessionKey string) (Process, error) {
	args := append(append([]string{}, svc.Args...), sessionKey)

	proc, err := startProcess(svc, svc.Command, args, false)
	if err != nil {
		log.Warn().
			Str("service", svc.Service).
			Str("command", svc.Command).
			Err(err).
			Msg("Direct launch failed, retrying via shell")
		proc, err = startProcess(svc, svc.Command, args, true)
	}
	return proc, err
}

func startProcess(svc config.AuthServiceConfig, command string, args []string, viaShell bool) (*execProcess, error) {
	var cmd *exec.Cmd
	if viaShell {
		line := command
		for _, a := range args {
			line += " " + a
		}
		cmd = exec.Command("/bin/sh", "-c", line)
	} else {
		cmd = exec.Command(command, args...)
	}

	if svc.WorkDir != "" {
		cmd.Dir = svc.WorkDir
	}
	cmd.Env = os.Environ()
	for k, v := range svc.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// A single pipe carries stdout and stderr; the auth URL can show up
	// on either stream.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, err
	}

	p := &execProcess{
		cmd:    cmd,
		stdout: pr,
		done:   make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		_ = pw.Close()
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) Terminate(grace time.Duration) {
	if p.Exited() {
		return
	}

	_ = p.cmd.Process.Signal(os.Interrupt)

	select {
	case <-p.done:
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}
