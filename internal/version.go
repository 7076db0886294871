// Package internal carries the build version stamp.
package internal

import (
	"fmt"
	"strconv"
	"time"
)

// Filled in at build time via -ldflags "-X".
var (
	version    = "v0.9.0-dev"
	commitDate = "1766620800" // epoch seconds of the commit
)

// GetVersion returns the stamped version, with the commit date
// appended when one was stamped in.
func GetVersion() string {
	msg := version
	if commitDate != "" {
		if seconds, err := strconv.ParseInt(commitDate, 10, 64); err == nil {
			msg += ", date: " + time.Unix(seconds, 0).UTC().Format("2006-01-02")
		}
	}
	return msg
}

// CheckVersion prints the version when asked. Callers exit right after,
// so nothing else goes to stdout.
func CheckVersion(printVersion bool) {
	if printVersion {
		PrintVersion()
	}
}

// PrintVersion prints the version to stdout.
func PrintVersion() {
	fmt.Printf("%s\n", GetVersion())
}
