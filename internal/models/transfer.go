package models

// LocationType classifies a remote path.
type LocationType string

// Remote location types.
const (
	LocationFile      LocationType = "file"
	LocationDirectory LocationType = "directory"
	LocationUnknown   LocationType = "unknown"
)

// RemoteFile is a regular file found at a remote location.
type RemoteFile struct {
	Name string // full remote path
	Size int64
}

// PathCheck is the outcome of validating a local or remote path.
type PathCheck struct {
	Message string
	IsError bool
}

// SSHResult holds the result of a remote command that may legitimately drop
// the connection, such as a shutdown.
type SSHResult struct {
	CommandRun bool
	Output     string
	Error      error
}
