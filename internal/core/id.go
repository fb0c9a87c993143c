package core

import "github.com/google/uuid"

// NewID returns a random UUID string used for schedules, tasks and readings.
func NewID() string {
	return uuid.NewString()
}
