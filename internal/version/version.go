// Package version exposes build metadata injected via -ldflags.
package version

// Set at build time:
//
//	go build -ldflags "-X github.com/pefman/w40k-tabletop/internal/version.Version=v1.2.3 -X github.com/pefman/w40k-tabletop/internal/version.BuildTime=..."
var (
	Version   = "dev"
	BuildTime = ""
)

// Info is the payload served on /version.
func Info() map[string]string {
	return map[string]string{
		"version": Version,
		"time":    BuildTime,
	}
}
