package lvm

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/cloudigrade/houndigrade/pkg/command"
)

const (
	binaryVgscan   = "vgscan"
	binaryLvscan   = "lvscan"
	binaryVgchange = "vgchange"
	binaryLvs      = "lvs"
)

// Activator makes logical volumes on attached drives visible as block devices
// and releases them again. Both directions are best effort: a drive without
// LVM legitimately fails these commands.
type Activator struct {
	runner command.Runner
	log    *logrus.Entry
}

func NewActivator(runner command.Runner) *Activator {
	return &Activator{
		runner: runner,
		log:    logrus.WithField("component", "lvm"),
	}
}

func (a *Activator) Activate(ctx context.Context) error {
	return a.runAll(ctx, [][]string{
		{binaryVgscan, "--mknodes"},
		{binaryLvscan},
		{binaryVgchange, "-a", "y"},
	})
}

func (a *Activator) Deactivate(ctx context.Context) error {
	return a.runAll(ctx, [][]string{
		{binaryVgchange, "-a", "n"},
	})
}

// LogicalVolumePaths lists the paths of all logical volumes currently known.
func (a *Activator) LogicalVolumePaths(ctx context.Context) ([]string, error) {
	result, err := a.runner.Run(ctx, logrus.DebugLevel, binaryLvs, "--noheadings", "-o", "lv_path")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list logical volumes")
	}
	if !result.Succeeded() {
		a.log.Debugf("Listing logical volumes exited with %v", result.ExitCode)
		return nil, nil
	}

	var paths []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		if path := strings.TrimSpace(line); path != "" {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func (a *Activator) runAll(ctx context.Context, commands [][]string) error {
	for _, cmd := range commands {
		result, err := a.runner.Run(ctx, logrus.InfoLevel, cmd[0], cmd[1:]...)
		if err != nil {
			return errors.Wrapf(err, "failed to run %v", strings.Join(cmd, " "))
		}
		if !result.Succeeded() {
			a.log.Infof("%v exited with %v, continuing", strings.Join(cmd, " "), result.ExitCode)
		}
	}
	return nil
}
