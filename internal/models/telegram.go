package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string `validate:"required"`
	ChatID   string `validate:"required"`
}

// TelegramMessage holds the data for a run notification.
type TelegramMessage struct {
	Success    bool
	ScheduleID string
	Host       string
	RemotePath string
	StartTime  time.Time
	Duration   time.Duration

	RunID            int64
	FilesListed      int
	FilesTransferred int
	BytesTransferred int64
	LocalDirectory   string
	StatusMessage    string

	// Retention stats.
	ArchivesDeleted int
	ArchivesKept    int
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
