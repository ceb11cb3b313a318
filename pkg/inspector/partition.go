package inspector

import (
	"context"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"k8s.io/mount-utils"

	"github.com/cloudigrade/houndigrade/pkg/command"
	"github.com/cloudigrade/houndigrade/pkg/heuristics"
	"github.com/cloudigrade/houndigrade/pkg/types"
)

const (
	binaryMount  = "mount"
	binaryUmount = "umount"

	mountPointPattern = "partition-"
)

type Detector interface {
	Detect(ctx context.Context, root string) (types.HeuristicOutcome, error)
	Facts(root string, outcome types.HeuristicOutcome) types.Facts
}

// PartitionInspector owns the mount lifecycle of a single partition.
type PartitionInspector struct {
	runner     command.Runner
	detector   Detector
	mounter    mount.Interface
	inspectDir string
}

func NewPartitionInspector(runner command.Runner, detector Detector, mounter mount.Interface, inspectDir string) *PartitionInspector {
	if mounter == nil {
		mounter = mount.New("")
	}
	return &PartitionInspector{
		runner:     runner,
		detector:   detector,
		mounter:    mounter,
		inspectDir: inspectDir,
	}
}

func IsSwap(devicePath string) bool {
	return strings.Contains(strings.ToLower(devicePath), types.SwapMarker)
}

// Inspect mounts devicePath read-only, runs the heuristics against it and
// records the outcome in results. Swap devices are skipped without a record,
// a device that cannot be mounted keeps its provisional not-found record.
// The mount is always released, also when the heuristics fail or panic.
func (p *PartitionInspector) Inspect(ctx context.Context, devicePath string, results types.DriveResultSet) (found bool, err error) {
	log := logrus.WithFields(logrus.Fields{
		"component": "partition",
		"device":    devicePath,
	})

	if IsSwap(devicePath) {
		log.Info("Skipping swap partition")
		return false, nil
	}

	results[devicePath] = types.NewPartitionResult(devicePath, types.HeuristicOutcome{}, types.Facts{})

	if err := os.MkdirAll(p.inspectDir, 0755); err != nil {
		return false, errors.Wrapf(err, "failed to create inspect directory %v", p.inspectDir)
	}
	mountPoint, err := os.MkdirTemp(p.inspectDir, mountPointPattern)
	if err != nil {
		return false, errors.Wrapf(err, "failed to create mount point for %v", devicePath)
	}

	mounted := false
	defer func() {
		if releaseErr := p.release(ctx, mountPoint, mounted); releaseErr != nil {
			log.WithError(releaseErr).Warnf("Failed to release mount point %v", mountPoint)
		}
	}()

	log.Infof("Mounting %v on %v", devicePath, mountPoint)
	result, err := p.runner.Run(ctx, logrus.InfoLevel, binaryMount, "-t", "auto", "-o", "ro", devicePath, mountPoint)
	if err != nil {
		return false, errors.Wrapf(err, "failed to mount %v", devicePath)
	}
	if !result.Succeeded() {
		log.Warnf("Mount failed with exit code %v: %v", result.ExitCode, strings.TrimSpace(result.Stderr))
		return false, nil
	}
	mounted = true

	root := heuristics.ResolveRoot(mountPoint)
	outcome, err := p.detector.Detect(ctx, root)
	if err != nil {
		return false, err
	}
	partitionResult := types.NewPartitionResult(devicePath, outcome, p.detector.Facts(root, outcome))
	results[devicePath] = partitionResult

	if partitionResult.RHELFound {
		log.Infof("RHEL (version %v) found on %v", partitionResult.OSVersion, devicePath)
	} else {
		log.Infof("RHEL not found on %v", devicePath)
	}
	return partitionResult.RHELFound, nil
}

// release unmounts and removes the mount point. It runs on a context that
// cannot be cancelled so cleanup still happens after the caller gave up.
func (p *PartitionInspector) release(ctx context.Context, mountPoint string, mounted bool) error {
	ctx = context.WithoutCancel(ctx)

	var errs error
	if mounted {
		result, err := p.runner.Run(ctx, logrus.InfoLevel, binaryUmount, mountPoint)
		switch {
		case err != nil:
			errs = multierr.Append(errs, err)
		case !result.Succeeded():
			errs = multierr.Append(errs, errors.Errorf("umount exited with %v: %v", result.ExitCode, strings.TrimSpace(result.Stderr)))
		}

		notMounted, err := p.mounter.IsLikelyNotMountPoint(mountPoint)
		switch {
		case err != nil:
			errs = multierr.Append(errs, errors.Wrap(err, "failed to check mount point"))
		case !notMounted:
			// Removing the directory would fail anyway, keep it around for the operator.
			return multierr.Append(errs, errors.Errorf("%v is still mounted", mountPoint))
		}
	}

	if err := os.Remove(mountPoint); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}
