package meta

// ReportFormatVersion is bumped whenever the layout of the published report
// changes.
const ReportFormatVersion = 1

// Following variables are filled in at build time
var (
	Version   string
	GitCommit string
	BuildDate string
)

type VersionOutput struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`

	ReportFormatVersion int `json:"reportFormatVersion"`
}

func GetVersion() VersionOutput {
	return VersionOutput{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,

		ReportFormatVersion: ReportFormatVersion,
	}
}
