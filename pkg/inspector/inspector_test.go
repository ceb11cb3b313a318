package inspector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"k8s.io/mount-utils"

	. "gopkg.in/check.v1"

	"github.com/cloudigrade/houndigrade/pkg/blockdev"
	"github.com/cloudigrade/houndigrade/pkg/command"
	"github.com/cloudigrade/houndigrade/pkg/heuristics"
	"github.com/cloudigrade/houndigrade/pkg/lvm"
	"github.com/cloudigrade/houndigrade/pkg/types"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct{}

var _ = Suite(&TestSuite{})

const mountExitNoDevice = 32

// fakeHost scripts the OS tools of an inspection host. Mounting a known
// device copies its files into the mount point, unmounting empties it again.
type fakeHost struct {
	runner     *command.TestRunner
	mounter    *mount.FakeMounter
	devices    map[string]map[string]string
	inspectDir string
	lockFile   string
}

func newFakeHost(c *C, lsblk string, devices map[string]map[string]string) *fakeHost {
	h := &fakeHost{
		runner:     command.NewTestRunner(),
		mounter:    mount.NewFakeMounter(nil),
		devices:    devices,
		inspectDir: filepath.Join(c.MkDir(), "inspect"),
		lockFile:   filepath.Join(c.MkDir(), "houndigrade.lock"),
	}
	if lsblk == "" {
		h.runner.Reply("lsblk", mountExitNoDevice, "")
	} else {
		h.runner.Reply("lsblk", 0, lsblk)
	}
	h.runner.Handle("mount", h.mount)
	h.runner.Handle("umount", h.umount)
	return h
}

func (h *fakeHost) mount(args []string) *command.Result {
	device, target := args[len(args)-2], args[len(args)-1]
	files, ok := h.devices[device]
	if !ok {
		return &command.Result{ExitCode: mountExitNoDevice, Stderr: fmt.Sprintf("mount: %v: special device does not exist.", device)}
	}
	for rel, content := range files {
		path := filepath.Join(target, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return &command.Result{ExitCode: 1, Stderr: err.Error()}
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return &command.Result{ExitCode: 1, Stderr: err.Error()}
		}
	}
	if err := h.mounter.Mount(device, target, "auto", []string{"ro"}); err != nil {
		return &command.Result{ExitCode: 1, Stderr: err.Error()}
	}
	return &command.Result{}
}

func (h *fakeHost) umount(args []string) *command.Result {
	target := args[0]
	entries, err := os.ReadDir(target)
	if err != nil {
		return &command.Result{ExitCode: 1, Stderr: err.Error()}
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(target, e.Name())); err != nil {
			return &command.Result{ExitCode: 1, Stderr: err.Error()}
		}
	}
	if err := h.mounter.Unmount(target); err != nil {
		return &command.Result{ExitCode: 1, Stderr: err.Error()}
	}
	return &command.Result{}
}

func (h *fakeHost) inspector() *Inspector {
	return NewInspector(h.runner, h.mounter, Config{
		InspectDir:      h.inspectDir,
		LockFile:        h.lockFile,
		SyspurposeLimit: 1024,
	})
}

func (h *fakeHost) inspectorWithDetector(detector Detector) *Inspector {
	partitions := NewPartitionInspector(h.runner, detector, h.mounter, h.inspectDir)
	drives := NewDriveInspector(lvm.NewActivator(h.runner), blockdev.NewWalker(h.runner), partitions)
	return newInspector(drives, h.lockFile)
}

func (h *fakeHost) assertReleased(c *C) {
	c.Assert(h.mounter.MountPoints, HasLen, 0)
	entries, err := os.ReadDir(h.inspectDir)
	if err == nil {
		c.Assert(entries, HasLen, 0)
	}
	c.Assert(len(h.runner.Called("mount")) >= len(h.runner.Called("umount")), Equals, true)
}

type failingDetector struct {
	panics bool
}

func (d *failingDetector) Detect(ctx context.Context, root string) (types.HeuristicOutcome, error) {
	if d.panics {
		panic("corrupt filesystem")
	}
	return types.HeuristicOutcome{}, fmt.Errorf("input/output error reading %v", root)
}

func (d *failingDetector) Facts(root string, outcome types.HeuristicOutcome) types.Facts {
	return types.Facts{}
}

func lsblkDrive(drive string, children ...string) string {
	nodes := ""
	for i, child := range children {
		if i > 0 {
			nodes += ","
		}
		nodes += fmt.Sprintf(`{"name":%q, "path":%q, "type":"part"}`, child, child)
	}
	return fmt.Sprintf(`{"blockdevices": [{"name":%q, "path":%q, "type":"disk", "children": [%v]}]}`, drive, drive, nodes)
}

func (s *TestSuite) TestReleaseFileFound(c *C) {
	h := newFakeHost(c, lsblkDrive("/dev/xvdf", "/dev/xvdf1"), map[string]map[string]string{
		"/dev/xvdf1": {"etc/redhat-release": "Red Hat Enterprise Linux release 8.6 (Ootpa)\n"},
	})

	report := h.inspector().Run(context.Background(), "aws", []types.InspectionTarget{
		{ImageID: "ami-1", DrivePath: "/dev/xvdf"},
	})
	c.Assert(report.Status, Equals, types.StatusSuccess)
	c.Assert(report.ErrorMessage, Equals, "")
	c.Assert(report.Results["ami-1"], HasLen, 1)

	r := report.Results["ami-1"]["/dev/xvdf1"]
	c.Assert(r, NotNil)
	c.Assert(r.RHELFound, Equals, true)
	c.Assert(r.Heuristics, DeepEquals, types.HeuristicOutcome{ReleaseFileFound: true})
	c.Assert(r.DriveDevice, Equals, "/dev/xvdf")
	c.Assert(r.ImageName, Equals, "ami-1")

	mounts := h.runner.Called("mount")
	c.Assert(mounts, HasLen, 1)
	c.Assert(strings.HasPrefix(mounts[0], "mount -t auto -o ro /dev/xvdf1 "+h.inspectDir+"/partition-"), Equals, true)
	c.Assert(h.runner.Called("umount"), HasLen, 1)
	h.assertReleased(c)
}

func (s *TestSuite) TestNothingFound(c *C) {
	h := newFakeHost(c, lsblkDrive("/dev/xvdf", "/dev/xvdf1"), map[string]map[string]string{
		"/dev/xvdf1": {"etc/os-release": "ID=\"ubuntu\"\nVERSION_ID=\"22.04\"\n"},
	})

	report := h.inspector().Run(context.Background(), "aws", []types.InspectionTarget{
		{ImageID: "ami-1", DrivePath: "/dev/xvdf"},
	})
	c.Assert(report.Status, Equals, types.StatusSuccess)
	r := report.Results["ami-1"]["/dev/xvdf1"]
	c.Assert(r, NotNil)
	c.Assert(r.RHELFound, Equals, false)
	c.Assert(r.Heuristics, DeepEquals, types.HeuristicOutcome{})
	c.Assert(r.OSDistro, Equals, "ubuntu")
	c.Assert(r.OSVersion, Equals, "")
	h.assertReleased(c)
}

func (s *TestSuite) TestSwapSkippedProductCertFound(c *C) {
	h := newFakeHost(c, lsblkDrive("/dev/xvdf", "/dev/mapper/rhel-swap", "/dev/xvdf2"), map[string]map[string]string{
		"/dev/mapper/rhel-swap": {},
		"/dev/xvdf2":            {"etc/pki/product/69.pem": "cert"},
	})

	report := h.inspector().Run(context.Background(), "aws", []types.InspectionTarget{
		{ImageID: "ami-1", DrivePath: "/dev/xvdf"},
	})
	c.Assert(report.Status, Equals, types.StatusSuccess)
	c.Assert(report.Results["ami-1"], HasLen, 1)
	r := report.Results["ami-1"]["/dev/xvdf2"]
	c.Assert(r.RHELFound, Equals, true)
	c.Assert(r.Heuristics.ProductCertFound, Equals, true)
	c.Assert(h.runner.Called("mount"), HasLen, 1)
	h.assertReleased(c)
}

func (s *TestSuite) TestSwapFilesystemSkipped(c *C) {
	lsblk := `{"blockdevices": [{"name":"/dev/xvdf", "path":"/dev/xvdf", "type":"disk", "children": [
		{"name":"/dev/xvdf1", "path":"/dev/xvdf1", "fstype":"swap", "type":"part"},
		{"name":"/dev/xvdf2", "path":"/dev/xvdf2", "fstype":"ext4", "type":"part"}
	]}]}`
	h := newFakeHost(c, lsblk, map[string]map[string]string{
		"/dev/xvdf2": {"etc/pki/product/69.pem": "cert"},
	})

	report := h.inspector().Run(context.Background(), "aws", []types.InspectionTarget{
		{ImageID: "ami-1", DrivePath: "/dev/xvdf"},
	})
	c.Assert(report.Status, Equals, types.StatusSuccess)
	c.Assert(report.Results["ami-1"], HasLen, 1)
	c.Assert(report.Results["ami-1"]["/dev/xvdf2"].RHELFound, Equals, true)
	mounts := h.runner.Called("mount")
	c.Assert(mounts, HasLen, 1)
	c.Assert(strings.Contains(mounts[0], "/dev/xvdf1"), Equals, false)
	h.assertReleased(c)
}

func (s *TestSuite) TestDerivedDistributionNotRHEL(c *C) {
	h := newFakeHost(c, lsblkDrive("/dev/xvdf", "/dev/xvdf1"), map[string]map[string]string{
		"/dev/xvdf1": {
			"etc/redhat-release": "CentOS Linux release 7.9.2009 (Core)\n",
			"etc/os-release":     "ID=\"centos\"\nVERSION_ID=\"7\"\n",
		},
	})

	report := h.inspector().Run(context.Background(), "aws", []types.InspectionTarget{
		{ImageID: "ami-1", DrivePath: "/dev/xvdf"},
	})
	c.Assert(report.Status, Equals, types.StatusSuccess)
	r := report.Results["ami-1"]["/dev/xvdf1"]
	c.Assert(r.RHELFound, Equals, false)
	c.Assert(r.Heuristics.ReleaseFileFound, Equals, false)
	c.Assert(r.OSDistro, Equals, "centos")
	c.Assert(r.OSVersion, Equals, "")
	h.assertReleased(c)
}

func (s *TestSuite) TestMissingDrive(c *C) {
	drive := filepath.Join(c.MkDir(), "xvdq")
	h := newFakeHost(c, "", map[string]map[string]string{})

	report := h.inspector().Run(context.Background(), "aws", []types.InspectionTarget{
		{ImageID: "ami-1", DrivePath: drive},
	})
	c.Assert(report.Status, Equals, types.StatusSuccess)
	c.Assert(report.Results["ami-1"], HasLen, 1)
	r := report.Results["ami-1"][drive]
	c.Assert(r.RHELFound, Equals, false)
	c.Assert(r.DriveDevice, Equals, drive)
	c.Assert(h.runner.Called("mount"), HasLen, 1)
	c.Assert(h.runner.Called("umount"), HasLen, 0)
	h.assertReleased(c)
}

func (s *TestSuite) TestSwapNeverRecorded(c *C) {
	h := newFakeHost(c, "", map[string]map[string]string{})
	p := NewPartitionInspector(h.runner, heuristics.NewDetector(h.runner, 1024), h.mounter, h.inspectDir)

	for _, device := range []string{"/dev/mapper/rhel-swap", "/dev/mapper/VG-SWAP", "/dev/Swap1"} {
		results := types.DriveResultSet{}
		found, err := p.Inspect(context.Background(), device, results)
		c.Assert(err, IsNil)
		c.Assert(found, Equals, false)
		c.Assert(results, HasLen, 0)
	}
	c.Assert(h.runner.Called("mount"), HasLen, 0)
}

func (s *TestSuite) TestMountFailureKeepsProvisionalResult(c *C) {
	h := newFakeHost(c, "", map[string]map[string]string{})
	p := NewPartitionInspector(h.runner, heuristics.NewDetector(h.runner, 1024), h.mounter, h.inspectDir)

	results := types.DriveResultSet{}
	found, err := p.Inspect(context.Background(), "/dev/xvdf1", results)
	c.Assert(err, IsNil)
	c.Assert(found, Equals, false)
	c.Assert(results, HasLen, 1)
	c.Assert(results["/dev/xvdf1"].RHELFound, Equals, false)
	h.assertReleased(c)
}

func (s *TestSuite) TestUnmountWhenHeuristicsFail(c *C) {
	h := newFakeHost(c, "", map[string]map[string]string{"/dev/xvdf1": {"etc/redhat-release": ""}})

	p := NewPartitionInspector(h.runner, &failingDetector{}, h.mounter, h.inspectDir)
	results := types.DriveResultSet{}
	found, err := p.Inspect(context.Background(), "/dev/xvdf1", results)
	c.Assert(err, NotNil)
	c.Assert(found, Equals, false)
	c.Assert(results["/dev/xvdf1"].RHELFound, Equals, false)
	c.Assert(h.runner.Called("umount"), HasLen, 1)
	h.assertReleased(c)

	p = NewPartitionInspector(h.runner, &failingDetector{panics: true}, h.mounter, h.inspectDir)
	c.Assert(func() {
		p.Inspect(context.Background(), "/dev/xvdf1", types.DriveResultSet{})
	}, PanicMatches, "corrupt filesystem")
	c.Assert(h.runner.Called("umount"), HasLen, 2)
	h.assertReleased(c)
}

func (s *TestSuite) TestFailureStopsRemainingTargets(c *C) {
	for _, detector := range []*failingDetector{{}, {panics: true}} {
		h := newFakeHost(c, lsblkDrive("/dev/xvdf", "/dev/xvdf1"), map[string]map[string]string{
			"/dev/xvdf1": {},
		})

		report := h.inspectorWithDetector(detector).Run(context.Background(), "aws", []types.InspectionTarget{
			{ImageID: "ami-1", DrivePath: "/dev/xvdf"},
			{ImageID: "ami-2", DrivePath: "/dev/xvdg"},
		})
		c.Assert(report.Status, Equals, types.StatusError)
		c.Assert(report.ErrorMessage, Matches, ".*(corrupt filesystem|input/output error).*")
		partial := report.Results["ami-1"]
		c.Assert(partial, HasLen, 1)
		c.Assert(partial["/dev/xvdf1"].RHELFound, Equals, false)
		c.Assert(partial["/dev/xvdf1"].DriveDevice, Equals, "/dev/xvdf")
		c.Assert(partial["/dev/xvdf1"].ImageName, Equals, "ami-1")
		_, ok := report.Results["ami-2"]
		c.Assert(ok, Equals, false)
		c.Assert(h.runner.Called("lsblk"), HasLen, 1)
		c.Assert(h.runner.Called("vgchange"), DeepEquals, []string{"vgchange -a y", "vgchange -a n"})
		h.assertReleased(c)
	}
}

func (s *TestSuite) TestMultipleTargets(c *C) {
	h := newFakeHost(c, lsblkDrive("/dev/xvdf", "/dev/xvdf1"), map[string]map[string]string{
		"/dev/xvdf1": {"etc/yum.repos.d/rhel.repo": "[rhel]\nname=Red Hat Enterprise Linux\nenabled=1\n"},
	})

	report := h.inspector().Run(context.Background(), "gcp", []types.InspectionTarget{
		{ImageID: "image-1", DrivePath: "/dev/xvdf"},
		{ImageID: "image-2", DrivePath: "/dev/xvdf"},
	})
	c.Assert(report.Status, Equals, types.StatusSuccess)
	c.Assert(report.Cloud, Equals, "gcp")
	c.Assert(report.Results, HasLen, 2)
	c.Assert(report.Results["image-2"]["/dev/xvdf1"].Heuristics.EnabledReposFound, Equals, true)
	c.Assert(report.Results["image-2"]["/dev/xvdf1"].ImageName, Equals, "image-2")
	c.Assert(h.runner.Called("vgchange"), HasLen, 4)
	h.assertReleased(c)
}

func (s *TestSuite) TestLockHeld(c *C) {
	h := newFakeHost(c, "", map[string]map[string]string{})

	held := flock.New(h.lockFile)
	locked, err := held.TryLock()
	c.Assert(err, IsNil)
	c.Assert(locked, Equals, true)
	defer held.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	report := h.inspector().Run(ctx, "aws", []types.InspectionTarget{{ImageID: "ami-1", DrivePath: "/dev/xvdf"}})
	c.Assert(report.Status, Equals, types.StatusError)
	c.Assert(report.Results, HasLen, 0)
	c.Assert(h.runner.Calls, HasLen, 0)
}
