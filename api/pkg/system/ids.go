package system

import (
	"strings"

	"github.com/google/uuid"
)

const TaskPrefix = "task_"

// GenerateTaskID returns a fresh prefixed identifier for a task.
func GenerateTaskID() string {
	return TaskPrefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// GenerateUUID returns a plain UUIDv4 string.
func GenerateUUID() string {
	return uuid.New().String()
}
