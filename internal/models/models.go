package models

import "time"

// TimerState is the singleton countdown record. TimeRemaining is authoritative
// as of the last mutation; the server never decrements it for elapsed wall-clock
// time, display-side ticking is cosmetic.
type TimerState struct {
	IsActive      bool   `json:"isActive"`
	StartTimeUnix *int64 `json:"startTimeUnix"`
	EndTimeUnix   *int64 `json:"endTimeUnix"`
	TimeRemaining int64  `json:"timeRemaining"`
}

// SleepCaps bounds how long the stream may sleep, in seconds.
type SleepCaps struct {
	Night int64 `json:"night" yaml:"night"`
	Day   int64 `json:"day" yaml:"day"`
}

// Goal maps a cumulative points threshold to a stream goal description.
type Goal struct {
	Threshold   int64  `json:"threshold" yaml:"threshold"`
	Description string `json:"description" yaml:"description"`
}

// SubathonConfig is the singleton config record. Points resets to zero on every
// start and only grows while a session is active.
type SubathonConfig struct {
	MaxEndTimeUnix int64     `json:"maxEndTime"`
	MaxSleepTime   SleepCaps `json:"maxSleepTime"`
	Goals          []Goal    `json:"goals"`
	Points         int64     `json:"points"`
}

// Event is one entry in the append-only session history.
type Event struct {
	Event string    `json:"event"`
	User  string    `json:"user"`
	Time  time.Time `json:"time"`
}
