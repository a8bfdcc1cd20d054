package cebra

//go:generate go run ../cmd/gen-version -o gitversion.go

// Version is the release of the block engine.
const Version = "0.3.0"

// Set by gitversion.go when it has been generated.
var (
	gitVersion    = "unknown"
	gitCommitTime = "unknown"
)

// GitVersion returns the source revision the binary was built from.
func GitVersion() string {
	return gitVersion
}

// GitCommitTime returns the commit time of that revision in RFC 3339 form.
func GitCommitTime() string {
	return gitCommitTime
}
