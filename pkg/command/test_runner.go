package command

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler produces the result of a scripted command.
type Handler func(args []string) *Result

// TestRunner replays scripted results instead of running binaries. Commands
// without a handler succeed with empty output.
type TestRunner struct {
	*sync.RWMutex

	Handlers map[string]Handler
	Calls    [][]string
}

func NewTestRunner() *TestRunner {
	return &TestRunner{
		RWMutex:  &sync.RWMutex{},
		Handlers: map[string]Handler{},
	}
}

func (tr *TestRunner) Handle(name string, handler Handler) *TestRunner {
	tr.Lock()
	defer tr.Unlock()
	tr.Handlers[name] = handler
	return tr
}

// Reply registers a handler that always returns the same output.
func (tr *TestRunner) Reply(name string, exitCode int, stdout string) *TestRunner {
	return tr.Handle(name, func(args []string) *Result {
		return &Result{ExitCode: exitCode, Stdout: stdout}
	})
}

func (tr *TestRunner) Run(ctx context.Context, level logrus.Level, name string, args ...string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tr.Lock()
	tr.Calls = append(tr.Calls, append([]string{name}, args...))
	handler, ok := tr.Handlers[name]
	tr.Unlock()

	if !ok {
		return &Result{}, nil
	}
	result := handler(args)
	if result == nil {
		result = &Result{}
	}
	log := logrus.WithField("command", name)
	LogOutput(log, level, result.Stdout)
	LogOutput(log, level, result.Stderr)
	return result, nil
}

// Called returns the invocations of the named binary, joined by spaces.
func (tr *TestRunner) Called(name string) []string {
	tr.RLock()
	defer tr.RUnlock()
	var calls []string
	for _, c := range tr.Calls {
		if c[0] == name {
			calls = append(calls, strings.Join(c, " "))
		}
	}
	return calls
}
