package models

import "errors"

// ErrInvalidTask is returned by Task.Validate.
var ErrInvalidTask = errors.New("invalid task")

// Task is a unit of work nodes race to own. Two nodes holding equal Tasks
// contend for the same claim key, so everything that identifies the work
// belongs in these fields and nothing node-local does.
type Task struct {
	Kind   string            `json:"kind" binding:"required"`
	Name   string            `json:"name" binding:"required"`
	Params map[string]string `json:"params,omitempty"`
}

// Validate checks the fields the claim key depends on.
func (t Task) Validate() error {
	if t.Kind == "" || t.Name == "" {
		return ErrInvalidTask
	}
	return nil
}
