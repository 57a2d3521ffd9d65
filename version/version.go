package version

import "fmt"

// these values are set during build via ldflags
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

// ProtocolVersion is the minimum sidecar protocol version accepted by this build
const ProtocolVersion = "v1.0.0"

var FullVersion = fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate)
