package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
}

var (
	buildInfoOnce sync.Once

	buildInfoGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livingrosary_build_info",
			Help: "Constant 1, labelled with the running build.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo publishes livingrosary_build_info and returns what it published.
// An empty or "dev" commit is replaced by the VCS revision stamped into the
// binary, when there is one.
func InitBuildInfo(version, commit string) BuildInfo {
	info := BuildInfo{Version: version, Commit: commit, GoVersion: runtime.Version()}
	if info.Commit == "" || info.Commit == "dev" {
		if rev := vcsRevision(); rev != "" {
			info.Commit = rev
		}
	}
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfoGauge)
	})
	buildInfoGauge.WithLabelValues(info.Version, info.Commit, info.GoVersion).Set(1)
	return info
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}
