package types

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	DefaultCloud      = "aws"
	DefaultInspectDir = "/mnt/inspect"
	DefaultLockFile   = "/var/lock/houndigrade.lock"

	DefaultSyspurposeLimit = "1KiB"

	CommandTimeoutNone = time.Duration(0)

	ResultsKeyPrefix = "InspectionResults"

	EnvResultsBucketName = "RESULTS_BUCKET_NAME"
	EnvAWSRegion         = "AWS_REGION"

	SwapMarker = "swap"
)

var SupportedClouds = []string{"aws", "gcp", "azure"}

// Paths below are relative to the root of a mounted partition.
var (
	ReleaseFilePattern = "etc/*-release"
	ReleaseFileMarker  = "Red Hat"

	ProductCertDirs  = []string{"etc/pki/product", "etc/pki/product-default"}
	ProductCertNames = []string{"69.pem", "479.pem"}

	RepoFileDir    = "etc/yum.repos.d"
	RepoFileSuffix = ".repo"
	DNFConfigPath  = "etc/dnf/dnf.conf"
	YUMConfigPath  = "etc/yum.conf"

	RepoVendorMarkers = []string{"rhel", "red hat"}

	RPMDatabaseDir = "var/lib/rpm"

	SyspurposePath = "etc/rhsm/syspurpose/syspurpose.json"

	OSTreeBootPattern = "ostree/boot.[01]/*/*/*"
)

// RedHatKeyIDs are the short ids of the Red Hat package signing keys.
var RedHatKeyIDs = []string{
	"199e2f91fd431d51",
	"5326810137017186",
	"45689c882fa658e0",
	"219180cddb42a60e",
	"7514f77d8366b0d9",
}

type InspectionTarget struct {
	ImageID   string
	DrivePath string
}

func (t InspectionTarget) String() string {
	return fmt.Sprintf("%v:%v", t.ImageID, t.DrivePath)
}

type HeuristicOutcome struct {
	ReleaseFileFound    bool `json:"release_file_found"`
	ProductCertFound    bool `json:"product_cert_found"`
	SignedPackagesFound bool `json:"signed_packages_found"`
	SignedPackagesCount int  `json:"signed_packages_count"`
	EnabledReposFound   bool `json:"enabled_repos_found"`
}

// RHELFound reports whether any of the heuristics matched.
func (h HeuristicOutcome) RHELFound() bool {
	return h.ReleaseFileFound || h.ProductCertFound || h.SignedPackagesFound || h.EnabledReposFound
}

// Facts are informational details collected next to the heuristics. They never
// influence rhel_found.
type Facts struct {
	OSVersion  string
	OSDistro   string
	Syspurpose map[string]interface{}
}

type PartitionResult struct {
	DevicePath  string                 `json:"device_path"`
	RHELFound   bool                   `json:"rhel_found"`
	Heuristics  HeuristicOutcome       `json:"heuristics"`
	DriveDevice string                 `json:"drive_device"`
	ImageName   string                 `json:"image_name"`
	OSVersion   string                 `json:"os_version,omitempty"`
	OSDistro    string                 `json:"os_distro,omitempty"`
	Syspurpose  map[string]interface{} `json:"syspurpose,omitempty"`
}

// NewPartitionResult is the only way rhel_found gets set, so it always agrees
// with the heuristics.
func NewPartitionResult(devicePath string, heuristics HeuristicOutcome, facts Facts) *PartitionResult {
	return &PartitionResult{
		DevicePath: devicePath,
		RHELFound:  heuristics.RHELFound(),
		Heuristics: heuristics,
		OSVersion:  facts.OSVersion,
		OSDistro:   facts.OSDistro,
		Syspurpose: facts.Syspurpose,
	}
}

// DriveResultSet maps device path to the result of that partition.
type DriveResultSet map[string]*PartitionResult

func (s DriveResultSet) Stamp(drivePath, imageName string) {
	for _, r := range s {
		r.DriveDevice = drivePath
		r.ImageName = imageName
	}
}

// RHELFound reports whether any partition of the drive matched.
func (s DriveResultSet) RHELFound() bool {
	for _, r := range s {
		if r.RHELFound {
			return true
		}
	}
	return false
}

type InspectionStatus int

const (
	StatusSuccess InspectionStatus = iota
	StatusError
)

const (
	statusSuccessString = "success"
	statusErrorString   = "error"
)

func (s InspectionStatus) String() string {
	switch s {
	case StatusSuccess:
		return statusSuccessString
	case StatusError:
		return statusErrorString
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

func (s InspectionStatus) MarshalJSON() ([]byte, error) {
	switch s {
	case StatusSuccess, StatusError:
		return json.Marshal(s.String())
	}
	return nil, fmt.Errorf("invalid inspection status %d", int(s))
}

func (s *InspectionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case statusSuccessString:
		*s = StatusSuccess
	case statusErrorString:
		*s = StatusError
	default:
		return fmt.Errorf("invalid inspection status %q", str)
	}
	return nil
}

type OverallReport struct {
	Cloud        string                    `json:"cloud"`
	Status       InspectionStatus          `json:"status"`
	ErrorMessage string                    `json:"error_message,omitempty"`
	Results      map[string]DriveResultSet `json:"results"`
}

func NewOverallReport(cloud string) *OverallReport {
	return &OverallReport{
		Cloud:   cloud,
		Status:  StatusSuccess,
		Results: map[string]DriveResultSet{},
	}
}

// Fail marks the whole report as failed. Results gathered so far are kept.
func (r *OverallReport) Fail(err error) {
	r.Status = StatusError
	r.ErrorMessage = err.Error()
}
