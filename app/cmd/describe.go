package cmd

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/cloudigrade/houndigrade/pkg/blockdev"
	"github.com/cloudigrade/houndigrade/pkg/command"
	"github.com/cloudigrade/houndigrade/pkg/types"
)

func DescribeCmd() cli.Command {
	return cli.Command{
		Name:      "describe",
		Usage:     "Log what the host sees of the given drives without inspecting them",
		ArgsUsage: "[IMAGE_ID DRIVE_PATH]...",
		Flags: []cli.Flag{
			cli.StringSliceFlag{
				Name:  "target, t",
				Usage: "Drive to describe as IMAGE_ID:DRIVE_PATH, can be repeated",
			},
			cli.DurationFlag{
				Name:  "command-timeout",
				Value: types.CommandTimeoutNone,
			},
		},
		Action: func(c *cli.Context) {
			if err := describe(c); err != nil {
				logrus.Fatalf("Error running describe command: %v.", err)
			}
		},
	}
}

func describe(c *cli.Context) error {
	targets, err := ParseTargets(c.StringSlice("target"), c.Args())
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New("at least one target is required")
	}

	runner := command.NewBinaryRunner(c.Duration("command-timeout"))
	blockdev.NewDescriber(runner).Describe(context.Background(), targets)
	return nil
}
