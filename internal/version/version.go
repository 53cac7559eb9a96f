package version

// Version is the current version of the orchestrator and its wire protocol.
// This value is set at build time using ldflags:
// -ldflags "-X github.com/rxtech-lab/argo-orchestrator/internal/version.Version=1.2.3"
// The default "v1.0.0" is used when no version is injected.
var Version = "v1.0.0"

// GetVersion returns the current version.
func GetVersion() string {
	return Version
}
