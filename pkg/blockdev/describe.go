package blockdev

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cloudigrade/houndigrade/pkg/command"
	"github.com/cloudigrade/houndigrade/pkg/types"
)

const (
	binaryPvs   = "pvs"
	binaryFdisk = "fdisk"

	devDirectory = "/dev"
)

// Describer logs what the host knows about the attached drives. It only helps
// diagnosing virtualization backends that hide devices, so nothing it does can
// fail an inspection.
type Describer struct {
	runner command.Runner
	devDir string
	log    *logrus.Entry
}

func NewDescriber(runner command.Runner) *Describer {
	return &Describer{
		runner: runner,
		devDir: devDirectory,
		log:    logrus.WithField("component", "describer"),
	}
}

func (d *Describer) Describe(ctx context.Context, targets []types.InspectionTarget) {
	if entries, err := os.ReadDir(d.devDir); err != nil {
		d.log.WithError(err).Warnf("Cannot list %v", d.devDir)
	} else {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		d.log.Infof("%v contains: %v", d.devDir, strings.Join(names, " "))
	}

	d.run(ctx, binaryPvs, "-a")

	for _, t := range targets {
		log := d.log.WithFields(logrus.Fields{
			"image": t.ImageID,
			"drive": t.DrivePath,
		})
		log.Infof("General information about device %v for %v", t.DrivePath, t.ImageID)

		isBlock, err := IsBlockDevice(t.DrivePath)
		if err != nil {
			log.WithError(err).Warn("Cannot stat drive")
		} else {
			log.Infof("Drive is a block device: %v", isBlock)
		}

		d.run(ctx, binaryFdisk, "-l", t.DrivePath)
		d.run(ctx, binaryLsblk, "--all", "--ascii", "--output", "NAME,TYPE,FSTYPE,PARTLABEL,MOUNTPOINT", t.DrivePath)
	}
}

func (d *Describer) run(ctx context.Context, name string, args ...string) {
	result, err := d.runner.Run(ctx, logrus.InfoLevel, name, args...)
	if err != nil {
		d.log.WithError(err).Warnf("Failed to run %v", name)
		return
	}
	if !result.Succeeded() {
		d.log.Infof("%v exited with %v", name, result.ExitCode)
	}
}

func IsBlockDevice(path string) (bool, error) {
	stat := unix.Stat_t{}
	if err := unix.Stat(path, &stat); err != nil {
		return false, err
	}
	return stat.Mode&unix.S_IFMT == unix.S_IFBLK, nil
}
