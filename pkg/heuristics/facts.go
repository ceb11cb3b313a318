package heuristics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	commontypes "github.com/longhorn/go-common-libs/types"

	"github.com/cloudigrade/houndigrade/pkg/types"
)

const (
	osReleaseIDKey      = "ID"
	osReleaseVersionKey = "VERSION_ID"
)

// Facts collects informational details of the filesystem at root. The version
// is only kept when a release file was found, the system purpose only when
// RHEL was found.
func (d *Detector) Facts(root string, outcome types.HeuristicOutcome) types.Facts {
	facts := types.Facts{}

	osRelease, err := os.ReadFile(filepath.Join(root, strings.TrimPrefix(commontypes.OsReleaseFilePath, "/")))
	if err != nil {
		d.log.WithError(err).Debugf("No os-release file found in %v", root)
	} else {
		fields := parseOSRelease(string(osRelease))
		facts.OSDistro = fields[osReleaseIDKey]
		if outcome.ReleaseFileFound {
			facts.OSVersion = fields[osReleaseVersionKey]
		}
	}

	if outcome.RHELFound() {
		facts.Syspurpose = d.syspurpose(root)
	}
	return facts
}

// parseOSRelease reads the KEY=value lines of an os-release file.
func parseOSRelease(content string) map[string]string {
	fields := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	return fields
}

func (d *Detector) syspurpose(root string) map[string]interface{} {
	path := filepath.Join(root, types.SyspurposePath)
	log := d.log.WithField("path", path)

	info, err := os.Lstat(path)
	if err != nil {
		log.WithError(err).Debug("No system purpose file found")
		return nil
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	if info.Size() > d.syspurposeLimit {
		log.Infof("Skipping system purpose file of %v, limit is %v",
			units.BytesSize(float64(info.Size())), units.BytesSize(float64(d.syspurposeLimit)))
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).Warn("Cannot read system purpose file")
		return nil
	}
	if strings.TrimSpace(string(data)) == "" {
		log.Info("System purpose file is empty")
		return nil
	}

	syspurpose := map[string]interface{}{}
	if err := json.Unmarshal(data, &syspurpose); err != nil {
		log.WithError(err).Info("Cannot parse system purpose file")
		return nil
	}
	return syspurpose
}

// ResolveRoot returns the root to inspect for the filesystem mounted at
// mountPoint. For an ostree based system that is the default deployment
// rather than the mount point itself.
func ResolveRoot(mountPoint string) string {
	matches, err := filepath.Glob(filepath.Join(mountPoint, types.OSTreeBootPattern))
	if err != nil || len(matches) == 0 {
		return mountPoint
	}
	for _, m := range matches {
		resolved, err := filepath.EvalSymlinks(m)
		if err != nil {
			continue
		}
		if info, err := os.Stat(resolved); err == nil && info.IsDir() {
			logrus.WithField("component", "detector").Infof("Found ostree deployment %v in %v", resolved, mountPoint)
			return resolved
		}
	}
	return mountPoint
}
