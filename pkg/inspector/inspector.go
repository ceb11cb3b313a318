package inspector

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"k8s.io/mount-utils"

	"github.com/cloudigrade/houndigrade/pkg/blockdev"
	"github.com/cloudigrade/houndigrade/pkg/command"
	"github.com/cloudigrade/houndigrade/pkg/heuristics"
	"github.com/cloudigrade/houndigrade/pkg/lvm"
	"github.com/cloudigrade/houndigrade/pkg/types"
)

const lockRetryInterval = time.Second

type Config struct {
	InspectDir      string
	LockFile        string
	SyspurposeLimit int64
}

// Inspector turns a list of targets into one report. Mounts and volume group
// activation change host wide state, so targets are inspected one at a time
// and a file lock keeps other inspector processes on the host out.
type Inspector struct {
	drives   *DriveInspector
	lockFile string
	log      *logrus.Entry
}

func NewInspector(runner command.Runner, mounter mount.Interface, cfg Config) *Inspector {
	detector := heuristics.NewDetector(runner, cfg.SyspurposeLimit)
	partitions := NewPartitionInspector(runner, detector, mounter, cfg.InspectDir)
	drives := NewDriveInspector(lvm.NewActivator(runner), blockdev.NewWalker(runner), partitions)
	return newInspector(drives, cfg.LockFile)
}

func newInspector(drives *DriveInspector, lockFile string) *Inspector {
	return &Inspector{
		drives:   drives,
		lockFile: lockFile,
		log:      logrus.WithField("component", "inspector"),
	}
}

// Run never fails: any unexpected error is recorded in the returned report.
// The first target that fails stops the run, results of the targets inspected
// before it stay in the report.
func (i *Inspector) Run(ctx context.Context, cloud string, targets []types.InspectionTarget) *types.OverallReport {
	report := types.NewOverallReport(cloud)

	unlock, err := i.lock(ctx)
	if err != nil {
		report.Fail(err)
		return report
	}
	defer unlock()

	for _, t := range targets {
		results, err := i.inspectTarget(ctx, t)
		mergeResults(report, t.ImageID, results)
		if err != nil {
			i.log.WithError(err).Errorf("Inspection of %v failed, skipping remaining targets", t)
			report.Fail(err)
			return report
		}
	}
	return report
}

func (i *Inspector) inspectTarget(ctx context.Context, t types.InspectionTarget) (results types.DriveResultSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("unexpected failure inspecting %v: %v", t, r)
		}
	}()
	return i.drives.Inspect(ctx, t.ImageID, t.DrivePath)
}

// mergeResults keeps all partitions when the same image id is given for
// several drives.
func mergeResults(report *types.OverallReport, imageID string, results types.DriveResultSet) {
	existing, ok := report.Results[imageID]
	if !ok {
		existing = types.DriveResultSet{}
		report.Results[imageID] = existing
	}
	for devicePath, r := range results {
		existing[devicePath] = r
	}
}

func (i *Inspector) lock(ctx context.Context) (func(), error) {
	if i.lockFile == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(i.lockFile), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for lock file %v", i.lockFile)
	}

	fileLock := flock.New(i.lockFile)
	i.log.Debugf("Waiting for lock %v", i.lockFile)
	locked, err := fileLock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lock %v", i.lockFile)
	}
	if !locked {
		return nil, errors.Errorf("failed to lock %v", i.lockFile)
	}
	return func() {
		if err := fileLock.Unlock(); err != nil {
			i.log.WithError(err).Warnf("Failed to unlock %v", i.lockFile)
		}
	}, nil
}
