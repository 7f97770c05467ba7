package models

// Schedule pulls the files found at RemotePath on Server into LocalPath.
type Schedule struct {
	ID                  string `validate:"required"`
	ServerHost          string `validate:"required"`
	Server              Server `validate:"-"` // resolved from ServerHost by the config parser
	RemotePath          string `validate:"required"`
	LocalPath           string `validate:"required"`
	DeleteServerPickups bool   // move instead of copy
	KeepFailedPickups   bool   // with DeleteServerPickups, leave files whose copy failed on the server
	ManageLocalBackups  bool   // apply retention to LocalPath/<host>
	Retention           string // "y<N>,m<N>,w<N>,d<N>"; falls back to the configured default
}

// RetentionPolicy is the number of yearly, monthly, weekly and daily archives to keep.
type RetentionPolicy struct {
	Years  int
	Months int
	Weeks  int
	Days   int
}

// ArchiveDescriptor is a finished, not yet deleted run as seen by the retention planner.
type ArchiveDescriptor struct {
	RunID   int64
	AgeDays int
}
