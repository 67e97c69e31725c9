// Package buildinfo carries values stamped in at link time:
//
//	go build -ldflags "-X github.com/x402-bch/facilitator/internal/buildinfo.Version=1.0.0"
package buildinfo

import "runtime"

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
	Go      = runtime.Version()
)

// String formats the build stamp for startup logs.
func String() string {
	s := Version
	if Commit != "" {
		s += " (" + Commit
		if Date != "" {
			s += " " + Date
		}
		s += ")"
	}
	return s + " " + Go
}
