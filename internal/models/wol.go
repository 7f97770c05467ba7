package models

import "time"

// WOLConfig wakes a server before its files are listed.
type WOLConfig struct {
	MACAddress    string `validate:"required,mac"`
	BroadcastIP   string `validate:"omitempty,ip"`
	PollURL       string `validate:"omitempty,url"` // polled until the server answers
	Timeout       time.Duration
	PollInterval  time.Duration
	StabilizeWait time.Duration // wait after the server answers
}

// WOLResult holds the result of a Wake-on-LAN operation.
type WOLResult struct {
	PacketSent   bool
	TargetReady  bool
	WaitDuration time.Duration
	Error        error
}
