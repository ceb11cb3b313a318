package heuristics

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/cloudigrade/houndigrade/pkg/command"
	"github.com/cloudigrade/houndigrade/pkg/types"
)

const (
	binaryRPM = "rpm"

	rpmQueryFormat = "%{NAME}|%{RSAHEADER:pgpsig}%{DSAHEADER:pgpsig}%{SIGGPG:pgpsig}%{SIGPGP:pgpsig}\n"

	mainSection = "main"
	reposdirKey = "reposdir"
)

var (
	keyIDPattern = regexp.MustCompile(`Key ID ([0-9a-fA-F]{16})`)

	enabledValues = sets.New("1", "true", "yes", "on")
)

// Detector runs the fixed battery of Red Hat evidence checks against the root
// of a mounted filesystem.
type Detector struct {
	runner command.Runner

	redHatKeyIDs     sets.Set[string]
	productCertNames sets.Set[string]

	syspurposeLimit int64

	log *logrus.Entry
}

func NewDetector(runner command.Runner, syspurposeLimit int64) *Detector {
	return &Detector{
		runner:           runner,
		redHatKeyIDs:     sets.New(types.RedHatKeyIDs...),
		productCertNames: sets.New(types.ProductCertNames...),
		syspurposeLimit:  syspurposeLimit,
		log:              logrus.WithField("component", "detector"),
	}
}

// Detect runs every check, even after one of them already found evidence, so
// the outcome always carries the full picture. Missing files and directories
// are absence of evidence; only unexpected I/O failures are returned.
func (d *Detector) Detect(ctx context.Context, root string) (outcome types.HeuristicOutcome, err error) {
	defer func() {
		err = errors.Wrapf(err, "failed to run heuristics on %v", root)
	}()

	log := d.log.WithField("root", root)

	if outcome.ReleaseFileFound, err = d.ReleaseFileFound(root); err != nil {
		return types.HeuristicOutcome{}, err
	}
	log.Infof("RHEL found via release file: %v", outcome.ReleaseFileFound)

	if outcome.ProductCertFound, err = d.ProductCertFound(root); err != nil {
		return types.HeuristicOutcome{}, err
	}
	log.Infof("RHEL found via product certificate: %v", outcome.ProductCertFound)

	if outcome.EnabledReposFound, err = d.EnabledReposFound(root); err != nil {
		return types.HeuristicOutcome{}, err
	}
	log.Infof("RHEL found via enabled repos: %v", outcome.EnabledReposFound)

	if outcome.SignedPackagesFound, outcome.SignedPackagesCount, err = d.SignedPackages(ctx, root); err != nil {
		return types.HeuristicOutcome{}, err
	}
	log.Infof("RHEL found via signed packages: %v (%v packages)", outcome.SignedPackagesFound, outcome.SignedPackagesCount)

	return outcome, nil
}

// ReleaseFileFound looks for an etc/*-release file naming Red Hat. Derived
// distributions ship etc/redhat-release too, so the content decides. Only
// regular files are read, a link could point outside the inspected root.
func (d *Detector) ReleaseFileFound(root string) (bool, error) {
	matches, err := filepath.Glob(filepath.Join(root, types.ReleaseFilePattern))
	if err != nil {
		return false, errors.Wrap(err, "failed to look for release files")
	}
	for _, path := range matches {
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			d.log.WithError(err).Debugf("Skipping unreadable release file %v", path)
			continue
		}
		if strings.Contains(string(data), types.ReleaseFileMarker) {
			d.log.Debugf("Found release file %v", path)
			return true, nil
		}
	}
	return false, nil
}

func (d *Detector) ProductCertFound(root string) (bool, error) {
	for _, dir := range types.ProductCertDirs {
		entries, err := readDir(filepath.Join(root, dir))
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			if d.productCertNames.Has(e.Name()) {
				d.log.Debugf("Found product certificate %v", filepath.Join(dir, e.Name()))
				return true, nil
			}
		}
	}
	return false, nil
}

// EnabledReposFound looks for an enabled repository whose name identifies Red
// Hat. Files that cannot be read are skipped.
func (d *Detector) EnabledReposFound(root string) (bool, error) {
	files, err := d.repoFiles(root)
	if err != nil {
		return false, err
	}

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			d.log.WithError(err).Debugf("Skipping unreadable repo file %v", file)
			continue
		}
		for _, s := range parseINI(string(data)) {
			if isEnabledRedHatRepo(s) {
				d.log.Debugf("Found enabled repo %v in %v", s.ID, file)
				return true, nil
			}
		}
	}
	return false, nil
}

func isEnabledRedHatRepo(s section) bool {
	if !enabledValues.Has(strings.ToLower(s.Values["enabled"])) {
		return false
	}
	name, ok := s.Values["name"]
	if !ok {
		name = s.ID
	}
	name = strings.ToLower(name)
	for _, marker := range types.RepoVendorMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

// repoFiles lists the repo files in etc/yum.repos.d and in every reposdir
// configured by dnf or yum, followed by those configuration files themselves
// since they may define repositories too.
func (d *Detector) repoFiles(root string) ([]string, error) {
	repoDirs := []string{filepath.Join(root, types.RepoFileDir)}
	var configs []string
	for _, config := range []string{types.DNFConfigPath, types.YUMConfigPath} {
		path := filepath.Join(root, config)
		found, err := exists(path)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		configs = append(configs, path)
		repoDirs = append(repoDirs, d.configuredRepoDirs(root, path)...)
	}

	var files []string
	seen := sets.New[string]()
	for _, dir := range repoDirs {
		if seen.Has(dir) {
			continue
		}
		seen.Insert(dir)

		entries, err := readDir(dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), types.RepoFileSuffix) {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
	}
	return append(files, configs...), nil
}

func (d *Detector) configuredRepoDirs(root, configPath string) []string {
	data, err := os.ReadFile(configPath)
	if err != nil {
		d.log.WithError(err).Debugf("Skipping unreadable config %v", configPath)
		return nil
	}
	mainConfig, ok := findSection(parseINI(string(data)), mainSection)
	if !ok {
		return nil
	}
	var dirs []string
	for _, dir := range splitList(mainConfig.Values[reposdirKey]) {
		dirs = append(dirs, filepath.Join(root, dir))
	}
	if len(dirs) > 0 {
		d.log.Debugf("Found repo directories %v in %v", dirs, configPath)
	}
	return dirs
}

// SignedPackages counts the installed packages signed by a Red Hat key. An
// rpm database that cannot be queried counts as no packages.
func (d *Detector) SignedPackages(ctx context.Context, root string) (bool, int, error) {
	dbPath := filepath.Join(root, types.RPMDatabaseDir)
	entries, err := readDir(dbPath)
	if err != nil {
		return false, 0, err
	}
	if len(entries) == 0 {
		d.log.Debugf("RPM database %v has no data", dbPath)
		return false, 0, nil
	}

	result, err := d.runner.Run(ctx, logrus.DebugLevel, binaryRPM, "-qa", "--dbpath", dbPath, "--qf", rpmQueryFormat)
	if err != nil {
		return false, 0, errors.Wrap(err, "failed to query rpm database")
	}
	if !result.Succeeded() {
		d.log.Infof("Querying rpm database %v exited with %v", dbPath, result.ExitCode)
		return false, 0, nil
	}

	count := d.countSigned(result.Stdout)
	return count > 0, count, nil
}

func (d *Detector) countSigned(output string) int {
	count := 0
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(line, "|", 2)
		if len(parts) != 2 {
			continue
		}
		for _, match := range keyIDPattern.FindAllStringSubmatch(parts[1], -1) {
			if d.redHatKeyIDs.Has(strings.ToLower(match[1])) {
				count++
				break
			}
		}
	}
	return count
}

func isAbsent(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR)
}

// exists does not follow symlinks, an absolute link inside the inspected
// filesystem would otherwise resolve against the host.
func exists(path string) (bool, error) {
	if _, err := os.Lstat(path); err != nil {
		if isAbsent(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to stat %v", path)
	}
	return true, nil
}

func readDir(path string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read directory %v", path)
	}
	return entries, nil
}
