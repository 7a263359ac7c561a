package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/sonyflake"
)

var flake *sonyflake.Sonyflake

func init() {
	flake, _ = sonyflake.New(sonyflake.Settings{
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MachineID: func() (uint16, error) { return 1, nil },
	})
}

// NewMessageID generates a time-ordered message id. Zero-padding keeps
// lexicographic order equal to generation order, which approximates send
// order for messages produced by one client. Falls back to a UUID if the
// flake generator is unavailable.
func NewMessageID() string {
	if flake != nil {
		if id, err := flake.NextID(); err == nil {
			return fmt.Sprintf("%020d", id)
		}
	}
	return uuid.New().String()
}

// NewBlobName generates a random, globally unique blob name component.
func NewBlobName() string {
	return uuid.New().String()
}
