package notifications

import (
	"github.com/go-playground/validator/v10"
)

// EventType is a workout lifecycle event that triggers a notification.
type EventType string

// Event types.
const (
	EventNewWorkout     EventType = "new_workout"
	EventWorkoutUpdated EventType = "workout_updated"
	EventWorkoutDeleted EventType = "workout_deleted"
	EventSpotFreed      EventType = "spot_freed"
	EventWorkoutFull    EventType = "workout_full"
)

// IsKnown reports whether the event type has a dedicated template.
func (t EventType) IsKnown() bool {
	switch t {
	case EventNewWorkout, EventWorkoutUpdated, EventWorkoutDeleted, EventSpotFreed, EventWorkoutFull:
		return true
	}
	return false
}

// Request describes one logical notification. It fully determines a dispatch
// and is never persisted. JSON names match the clients that already call the
// dispatch endpoint.
type Request struct {
	Type           EventType `json:"type" validate:"required,max=64"`
	WorkoutID      string    `json:"workoutId" validate:"required,max=128"`
	WorkoutTitle   string    `json:"workoutTitle" validate:"required,max=256"`
	WorkoutTitleBg string    `json:"workoutTitleBg,omitempty" validate:"max=256"`
	WorkoutDate    string    `json:"workoutDate,omitempty" validate:"max=64"`
	WorkoutTime    string    `json:"workoutTime,omitempty" validate:"max=64"`
	TargetUserIDs  []string  `json:"targetUserIds,omitempty" validate:"dive,required"`
	ExcludeUserIDs []string  `json:"excludeUserIds,omitempty" validate:"dive,required"`
	PriorityOnly   bool      `json:"priorityOnly"`
	NotifyStaff    bool      `json:"notifyStaff"`
	ExcludeMembers bool      `json:"excludeMembers"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty" validate:"max=200"`
}

var validate = validator.New()

// Validate checks the request shape.
func (r *Request) Validate() error {
	if r == nil {
		return &ValidationError{Err: errEmptyRequest}
	}
	if err := validate.Struct(r); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// Data returns the event fields forwarded to clients for click handling.
func (r *Request) Data() map[string]string {
	data := map[string]string{
		"type":         string(r.Type),
		"workoutId":    r.WorkoutID,
		"workoutTitle": r.WorkoutTitle,
	}
	if r.WorkoutTitleBg != "" {
		data["workoutTitleBg"] = r.WorkoutTitleBg
	}
	if r.WorkoutDate != "" {
		data["workoutDate"] = r.WorkoutDate
	}
	if r.WorkoutTime != "" {
		data["workoutTime"] = r.WorkoutTime
	}
	return data
}
