package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/longhorn/go-common-libs/utils"

	"github.com/cloudigrade/houndigrade/pkg/blockdev"
	"github.com/cloudigrade/houndigrade/pkg/command"
	"github.com/cloudigrade/houndigrade/pkg/inspector"
	"github.com/cloudigrade/houndigrade/pkg/sink"
	"github.com/cloudigrade/houndigrade/pkg/types"
)

func InspectCmd() cli.Command {
	return cli.Command{
		Name:      "inspect",
		Usage:     "Check the given drives for a RHEL installation and publish the report",
		ArgsUsage: "[IMAGE_ID DRIVE_PATH]...",
		Flags: []cli.Flag{
			cli.StringSliceFlag{
				Name:  "target, t",
				Usage: "Drive to inspect as IMAGE_ID:DRIVE_PATH, can be repeated",
			},
			cli.StringFlag{
				Name:  "cloud, c",
				Value: types.DefaultCloud,
				Usage: "Cloud the images come from, one of " + strings.Join(types.SupportedClouds, ", "),
			},
			cli.StringFlag{
				Name:   "results-bucket",
				EnvVar: types.EnvResultsBucketName,
				Usage:  "S3 bucket receiving the report, the report is printed to stdout when empty",
			},
			cli.StringFlag{
				Name:   "results-region",
				EnvVar: types.EnvAWSRegion,
			},
			cli.StringFlag{
				Name:  "inspect-dir",
				Value: types.DefaultInspectDir,
				Usage: "Directory holding the temporary mount points",
			},
			cli.StringFlag{
				Name:  "lock-file",
				Value: types.DefaultLockFile,
			},
			cli.DurationFlag{
				Name:  "command-timeout",
				Value: types.CommandTimeoutNone,
				Usage: "Kill any external command running longer than this, 0 disables the limit",
			},
			cli.StringFlag{
				Name:  "syspurpose-limit",
				Value: types.DefaultSyspurposeLimit,
				Usage: "Largest system purpose file that is read",
			},
			cli.BoolFlag{
				Name:  "describe",
				Usage: "Log a description of the attached devices before inspecting them",
			},
		},
		Action: func(c *cli.Context) {
			if err := inspect(c); err != nil {
				logrus.Fatalf("Error running inspect command: %v.", err)
			}
		},
	}
}

func inspect(c *cli.Context) error {
	targets, err := ParseTargets(c.StringSlice("target"), c.Args())
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New("at least one target is required")
	}

	cloud := c.String("cloud")
	if !utils.Contains(types.SupportedClouds, cloud) {
		return errors.Errorf("unsupported cloud %v", cloud)
	}

	limit, err := units.RAMInBytes(c.String("syspurpose-limit"))
	if err != nil {
		return errors.Wrapf(err, "invalid syspurpose limit %v", c.String("syspurpose-limit"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resultSink, err := sink.New(ctx, c.String("results-bucket"), c.String("results-region"), os.Stdout)
	if err != nil {
		return err
	}

	runner := command.NewBinaryRunner(c.Duration("command-timeout"))
	if c.Bool("describe") {
		blockdev.NewDescriber(runner).Describe(ctx, targets)
	}

	insp := inspector.NewInspector(runner, nil, inspector.Config{
		InspectDir:      c.String("inspect-dir"),
		LockFile:        c.String("lock-file"),
		SyspurposeLimit: limit,
	})
	return runAndPublish(ctx, insp, resultSink, cloud, targets)
}

type reportRunner interface {
	Run(ctx context.Context, cloud string, targets []types.InspectionTarget) *types.OverallReport
}

// runAndPublish publishes the report even when ctx was cancelled by a signal,
// an interrupted run still reports its error.
func runAndPublish(ctx context.Context, r reportRunner, s sink.Sink, cloud string, targets []types.InspectionTarget) error {
	report := r.Run(ctx, cloud, targets)
	logrus.WithFields(logrus.Fields{
		"status":  report.Status,
		"targets": len(targets),
	}).Info("Inspection finished")

	return s.Publish(context.WithoutCancel(ctx), report)
}

// ParseTargets accepts IMAGE_ID:DRIVE_PATH flag values followed by
// IMAGE_ID DRIVE_PATH positional pairs.
func ParseTargets(flagValues, args []string) ([]types.InspectionTarget, error) {
	targets := []types.InspectionTarget{}
	for _, value := range flagValues {
		imageID, drivePath, ok := strings.Cut(value, ":")
		if !ok || imageID == "" || drivePath == "" {
			return nil, errors.Errorf("invalid target %q, expected IMAGE_ID:DRIVE_PATH", value)
		}
		targets = append(targets, types.InspectionTarget{ImageID: imageID, DrivePath: drivePath})
	}

	if len(args)%2 != 0 {
		return nil, errors.Errorf("targets must be given as IMAGE_ID DRIVE_PATH pairs, got %v", args)
	}
	for i := 0; i < len(args); i += 2 {
		targets = append(targets, types.InspectionTarget{ImageID: args[i], DrivePath: args[i+1]})
	}
	return targets, nil
}
