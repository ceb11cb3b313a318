package inspector

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/cloudigrade/houndigrade/pkg/blockdev"
	"github.com/cloudigrade/houndigrade/pkg/lvm"
	"github.com/cloudigrade/houndigrade/pkg/types"
)

type DriveInspector struct {
	activator  *lvm.Activator
	walker     *blockdev.Walker
	partitions *PartitionInspector
}

func NewDriveInspector(activator *lvm.Activator, walker *blockdev.Walker, partitions *PartitionInspector) *DriveInspector {
	return &DriveInspector{
		activator:  activator,
		walker:     walker,
		partitions: partitions,
	}
}

// Inspect checks every partition of drivePath one after another. The returned
// result set holds whatever was recorded, also when an error is returned or a
// partition panicked, and every entry carries the drive and image it belongs
// to.
func (d *DriveInspector) Inspect(ctx context.Context, imageName, drivePath string) (results types.DriveResultSet, err error) {
	log := logrus.WithFields(logrus.Fields{
		"component": "drive",
		"image":     imageName,
		"drive":     drivePath,
	})
	log.Infof("Checking drive %v for %v", drivePath, imageName)

	results = types.DriveResultSet{}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("unexpected failure: %v", r)
		}
		results.Stamp(drivePath, imageName)
		err = errors.Wrapf(err, "failed to inspect drive %v of %v", drivePath, imageName)
	}()

	defer func() {
		if err := d.activator.Deactivate(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("Failed to deactivate volume groups")
		}
	}()
	if err := d.activator.Activate(ctx); err != nil {
		return results, err
	}
	if lvPaths, err := d.activator.LogicalVolumePaths(ctx); err == nil && len(lvPaths) > 0 {
		log.Infof("Logical volumes visible after activation: %v", lvPaths)
	}

	leaves, err := d.walker.Discover(ctx, drivePath)
	if err != nil {
		return results, err
	}
	if len(leaves) == 0 {
		leaves = []string{drivePath}
	}

	for _, leaf := range leaves {
		if _, err := d.partitions.Inspect(ctx, leaf, results); err != nil {
			return results, err
		}
	}

	log.Infof("RHEL found on drive: %v", results.RHELFound())
	return results, nil
}
