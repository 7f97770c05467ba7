package models

import "time"

// RunRecord is one execution attempt of a schedule.
type RunRecord struct {
	RunID         int64
	ScheduleID    string
	StartedAt     time.Time
	FinishedAt    *time.Time // nil while the run is in progress
	StatusMessage string
	DeletedAt     *time.Time // set once the archive has been pruned
	FileCount     int
}

// InProgress reports whether the run has not been closed out yet.
func (r RunRecord) InProgress() bool {
	return r.FinishedAt == nil
}

// TransferredFile is recorded right before a file transfer is attempted.
type TransferredFile struct {
	RunID     int64
	Name      string
	Size      int64
	CreatedAt time.Time
}

// RunResult summarizes a finished ScheduleRunner pass.
type RunResult struct {
	ScheduleID       string
	RunID            int64
	LocationType     LocationType
	LocalDirectory   string
	FilesListed      int
	FilesTransferred int
	BytesTransferred int64
	StatusMessage    string
	Halted           bool
	ArchivesKept     int
	ArchivesDeleted  []int64
	StartTime        time.Time
	Duration         time.Duration
}
