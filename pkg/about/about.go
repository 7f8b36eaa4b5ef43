// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package about

import "fmt"

// Default values replaced at build time through -ldflags.
var (
	version   = "0.1.0"
	buildHash = "00000000"
	buildDate = "1970-01-01T00:00:00Z"
)

// BuildInfo describes the version of the running binary.
type BuildInfo struct {
	Version string
	Hash    string
	Date    string
}

// GetBuildInfo returns the build information set at compile time.
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version: version,
		Hash:    buildHash,
		Date:    buildDate,
	}
}

// VersionString returns the version in a human readable form.
func (i BuildInfo) VersionString() string {
	return fmt.Sprintf("%s-%s (%s)", i.Version, shortHash(i.Hash), i.Date)
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
