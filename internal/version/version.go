// Package version exposes the build version, set at link time via
// -ldflags "-X github.com/fieldwork/flagpost/internal/version.version=...".
package version

var version = "dev"

func Version() string {
	return version
}
