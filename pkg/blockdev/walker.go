package blockdev

import (
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/cloudigrade/houndigrade/pkg/command"
	"github.com/cloudigrade/houndigrade/pkg/types"
)

const (
	binaryUdevadm   = "udevadm"
	binaryPartprobe = "partprobe"
	binaryLsblk     = "lsblk"

	lsblkColumns = "NAME,PATH,FSTYPE,PARTTYPE,TYPE"
)

type DeviceNode struct {
	Name     string       `json:"name"`
	Path     string       `json:"path"`
	FSType   string       `json:"fstype"`
	PartType string       `json:"parttype"`
	Type     string       `json:"type"`
	Children []DeviceNode `json:"children"`
}

// DevicePath prefers the PATH column and falls back to NAME, which is a full
// path as well when lsblk runs with --paths.
func (n DeviceNode) DevicePath() string {
	if n.Path != "" {
		return n.Path
	}
	return n.Name
}

type lsblkOutput struct {
	BlockDevices []DeviceNode `json:"blockdevices"`
}

// Walker finds the leaf block devices of a drive.
type Walker struct {
	runner command.Runner
	glob   func(pattern string) ([]string, error)
	log    *logrus.Entry
}

func NewWalker(runner command.Runner) *Walker {
	return &Walker{
		runner: runner,
		glob:   filepath.Glob,
		log:    logrus.WithField("component", "walker"),
	}
}

// Discover returns the leaf device paths of drivePath. It never returns an
// empty list: when neither lsblk nor globbing finds anything the drive itself
// is the only leaf. Only a done context makes it fail.
func (w *Walker) Discover(ctx context.Context, drivePath string) ([]string, error) {
	log := w.log.WithField("drive", drivePath)

	nodes, err := w.blockDeviceTree(ctx, drivePath)
	if err != nil {
		return nil, err
	}
	if leaves := uniq(LeafPaths(nodes, drivePath)); len(leaves) > 0 {
		log.Infof("Found partitions %v via lsblk", leaves)
		return leaves, nil
	}

	if leaves := withoutPaths(w.globPartitions(drivePath), SwapPaths(nodes)); len(leaves) > 0 {
		log.Infof("Found partitions %v via glob", leaves)
		return leaves, nil
	}

	log.Infof("No partitions found, treating %v as a single partition", drivePath)
	return []string{drivePath}, nil
}

func (w *Walker) blockDeviceTree(ctx context.Context, drivePath string) ([]DeviceNode, error) {
	steps := [][]string{
		{binaryUdevadm, "trigger"},
		{binaryUdevadm, "settle"},
		{binaryPartprobe, drivePath},
	}
	for _, step := range steps {
		if _, err := w.runner.Run(ctx, logrus.DebugLevel, step[0], step[1:]...); err != nil {
			return nil, errors.Wrapf(err, "failed to probe %v", drivePath)
		}
	}

	result, err := w.runner.Run(ctx, logrus.DebugLevel, binaryLsblk, "--json", "--paths", "--output", lsblkColumns, drivePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list block devices of %v", drivePath)
	}
	if !result.Succeeded() {
		w.log.Infof("lsblk on %v exited with %v", drivePath, result.ExitCode)
		return nil, nil
	}

	nodes, err := ParseLsblk([]byte(result.Stdout))
	if err != nil {
		w.log.WithError(err).Infof("Cannot parse lsblk output for %v", drivePath)
		return nil, nil
	}
	return nodes, nil
}

func ParseLsblk(data []byte) ([]DeviceNode, error) {
	out := lsblkOutput{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "invalid lsblk output")
	}
	return out.BlockDevices, nil
}

// IsSwap reports whether lsblk identified the device as swap space.
func (n DeviceNode) IsSwap() bool {
	return strings.EqualFold(n.FSType, types.SwapMarker)
}

// LeafPaths walks the tree depth first. Nodes with children are never leaves
// themselves, drivePath is never reported as its own partition and swap
// devices are left out.
func LeafPaths(nodes []DeviceNode, drivePath string) []string {
	var leaves []string
	for _, n := range nodes {
		if len(n.Children) > 0 {
			leaves = append(leaves, LeafPaths(n.Children, drivePath)...)
			continue
		}
		if n.IsSwap() {
			logrus.WithField("component", "walker").Infof("Skipping swap device %v", n.DevicePath())
			continue
		}
		if path := n.DevicePath(); path != "" && path != drivePath {
			leaves = append(leaves, path)
		}
	}
	return leaves
}

// SwapPaths lists the devices of the tree that lsblk identified as swap.
func SwapPaths(nodes []DeviceNode) []string {
	var paths []string
	for _, n := range nodes {
		if n.IsSwap() {
			paths = append(paths, n.DevicePath())
		}
		paths = append(paths, SwapPaths(n.Children)...)
	}
	return paths
}

func withoutPaths(paths, excluded []string) []string {
	skip := map[string]struct{}{}
	for _, p := range excluded {
		skip[p] = struct{}{}
	}
	var result []string
	for _, p := range paths {
		if _, ok := skip[p]; !ok {
			result = append(result, p)
		}
	}
	return result
}

func (w *Walker) globPartitions(drivePath string) []string {
	matches, err := w.glob(drivePath + "*")
	if err != nil {
		w.log.WithError(err).Infof("Cannot glob partitions of %v", drivePath)
		return nil
	}

	partitionPattern := regexp.MustCompile("^" + regexp.QuoteMeta(drivePath) + `p?[0-9]+$`)
	var partitions []string
	for _, m := range matches {
		if partitionPattern.MatchString(m) {
			partitions = append(partitions, m)
		}
	}
	sort.Strings(partitions)
	return partitions
}

func uniq(paths []string) []string {
	seen := map[string]struct{}{}
	result := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		result = append(result, p)
	}
	return result
}
