package command

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ExitCodeNotRunnable mirrors what a shell reports for a binary it cannot run.
const ExitCodeNotRunnable = 127

type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r *Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Runner is the only way the inspector talks to OS utilities. A non-zero exit
// code is not an error, callers inspect Result.ExitCode. An error is returned
// only when ctx is done before the command finishes.
type Runner interface {
	Run(ctx context.Context, level logrus.Level, name string, args ...string) (*Result, error)
}

type BinaryRunner struct {
	// Timeout bounds every single command. Zero means no timeout.
	Timeout time.Duration
}

func NewBinaryRunner(timeout time.Duration) *BinaryRunner {
	return &BinaryRunner{Timeout: timeout}
}

func (br *BinaryRunner) Run(ctx context.Context, level logrus.Level, name string, args ...string) (*Result, error) {
	if br.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, br.Timeout)
		defer cancel()
	}

	log := logrus.WithField("command", name)
	log.Debugf("Running %v %v", name, strings.Join(args, " "))

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	result := &Result{}
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = ExitCodeNotRunnable
			stderr.WriteString(err.Error())
		}
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	LogOutput(log, level, result.Stdout)
	LogOutput(log, level, result.Stderr)
	log.Debugf("Command %v exited with %v", name, result.ExitCode)

	return result, nil
}

// LogOutput logs every non-empty line of output at the given level.
func LogOutput(log *logrus.Entry, level logrus.Level, output string) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" {
			continue
		}
		log.Log(level, line)
	}
}
