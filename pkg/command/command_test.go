package command_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	. "gopkg.in/check.v1"

	"github.com/cloudigrade/houndigrade/pkg/command"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct{}

var _ = Suite(&TestSuite{})

func (s *TestSuite) TestRunCapturesOutputAndExitCode(c *C) {
	r := command.NewBinaryRunner(0)

	result, err := r.Run(context.Background(), logrus.DebugLevel, "sh", "-c", "echo out; echo err >&2; exit 3")
	c.Assert(err, IsNil)
	c.Assert(result.ExitCode, Equals, 3)
	c.Assert(result.Succeeded(), Equals, false)
	c.Assert(strings.TrimSpace(result.Stdout), Equals, "out")
	c.Assert(strings.TrimSpace(result.Stderr), Equals, "err")

	result, err = r.Run(context.Background(), logrus.DebugLevel, "true")
	c.Assert(err, IsNil)
	c.Assert(result.Succeeded(), Equals, true)
}

func (s *TestSuite) TestRunMissingBinary(c *C) {
	r := command.NewBinaryRunner(0)

	result, err := r.Run(context.Background(), logrus.DebugLevel, "houndigrade-no-such-binary")
	c.Assert(err, IsNil)
	c.Assert(result.ExitCode, Equals, command.ExitCodeNotRunnable)
	c.Assert(result.Stderr, Not(Equals), "")
}

func (s *TestSuite) TestRunTimeout(c *C) {
	r := command.NewBinaryRunner(50 * time.Millisecond)

	result, err := r.Run(context.Background(), logrus.DebugLevel, "sleep", "5")
	c.Assert(err, NotNil)
	c.Assert(result, IsNil)
}

func (s *TestSuite) TestTestRunner(c *C) {
	r := command.NewTestRunner().
		Reply("lsblk", 1, "").
		Handle("echo", func(args []string) *command.Result {
			return &command.Result{Stdout: strings.Join(args, " ")}
		})

	result, err := r.Run(context.Background(), logrus.InfoLevel, "echo", "a", "b")
	c.Assert(err, IsNil)
	c.Assert(result.Stdout, Equals, "a b")

	result, err = r.Run(context.Background(), logrus.InfoLevel, "lsblk", "/dev/xvdf")
	c.Assert(err, IsNil)
	c.Assert(result.ExitCode, Equals, 1)

	result, err = r.Run(context.Background(), logrus.InfoLevel, "unscripted")
	c.Assert(err, IsNil)
	c.Assert(result.Succeeded(), Equals, true)

	c.Assert(r.Called("lsblk"), DeepEquals, []string{"lsblk /dev/xvdf"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Run(ctx, logrus.InfoLevel, "echo")
	c.Assert(err, NotNil)
}
