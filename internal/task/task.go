package task

import (
	"errors"
	"time"

	"github.com/haojie06/sd-task-http/internal/prompt"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowed lists every legal edge. Terminal states have none.
var allowed = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrConflict     = errors.New("task state conflict")
)

type Task struct {
	ID           string
	Status       Status
	Request      prompt.Resolved
	ResultURLs   []string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone copies the slices so callers can't alias registry state.
func (t Task) Clone() Task {
	c := t
	if t.ResultURLs != nil {
		c.ResultURLs = append([]string(nil), t.ResultURLs...)
	}
	if t.Request.InitImage != nil {
		c.Request.InitImage = append([]byte(nil), t.Request.InitImage...)
	}
	if t.Request.Loras != nil {
		c.Request.Loras = append([]prompt.LoraRef(nil), t.Request.Loras...)
	}
	if t.Request.Seed != nil {
		seed := *t.Request.Seed
		c.Request.Seed = &seed
	}
	return c
}

// Update carries the fields a transition may set.
type Update struct {
	ResultURLs   []string
	ErrorMessage string
}
