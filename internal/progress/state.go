package progress

import (
	"time"
)

// Stage identifies where a job is in the pipeline.
type Stage string

// Pipeline stages in order. Done and Failed are terminal.
const (
	StageAnalyzing    Stage = "analyzing"
	StageSlicing      Stage = "slicing"
	StageTranscribing Stage = "transcribing"
	StageMerging      Stage = "merging"
	StageCleanup      Stage = "cleanup"
	StageDone         Stage = "done"
	StageFailed       Stage = "failed"
)

// Terminal reports whether the stage ends the job.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// SliceStatus is the lifecycle position of one slice.
type SliceStatus string

// Slice lifecycle. Transitions are linear forward only, except
// retrying, which may return to in_flight or fall to failed.
// Succeeded and failed are terminal.
const (
	SlicePending    SliceStatus = "pending"
	SliceExtracting SliceStatus = "extracting"
	SliceQueued     SliceStatus = "queued"
	SliceInFlight   SliceStatus = "in_flight"
	SliceRetrying   SliceStatus = "retrying"
	SliceSucceeded  SliceStatus = "succeeded"
	SliceFailed     SliceStatus = "failed"
)

// Terminal reports whether the status ends the slice.
func (s SliceStatus) Terminal() bool {
	return s == SliceSucceeded || s == SliceFailed
}

// sliceOrder positions each status on the forward path.
var sliceOrder = map[SliceStatus]int{
	SlicePending:    0,
	SliceExtracting: 1,
	SliceQueued:     2,
	SliceInFlight:   3,
	SliceRetrying:   4,
	SliceSucceeded:  5,
	SliceFailed:     5,
}

// ValidTransition reports whether from -> to is allowed.
func ValidTransition(from, to SliceStatus) bool {
	if from.Terminal() {
		return false
	}
	if from == SliceRetrying {
		// Retrying re-enters the flight path, or re-extracts on
		// chunk corruption, or gives up.
		return to == SliceInFlight || to == SliceExtracting || to == SliceFailed
	}
	return sliceOrder[to] > sliceOrder[from]
}

// SliceState is the observable state of one slice.
type SliceState struct {
	Status SliceStatus `json:"status"`
	// Attempt counts retries, populated for retrying.
	Attempt int `json:"attempt,omitempty"`
	// DelayUntil is when the next attempt fires, populated for retrying.
	DelayUntil time.Time `json:"delay_until,omitzero"`
	// Reason is the failure description, populated for failed.
	Reason string `json:"reason,omitempty"`
}

// Record is a point-in-time snapshot of a job's progress.
type Record struct {
	JobID          string              `json:"job_id"`
	Stage          Stage               `json:"stage"`
	OverallPercent float64             `json:"overall_percent"`
	Message        string              `json:"message,omitempty"`
	Slices         map[int]SliceState  `json:"per_slice,omitempty"`
	ETASeconds     float64             `json:"eta_seconds,omitempty"`
	Error          string              `json:"error,omitempty"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// clone returns a deep copy safe to hand to readers.
func (r Record) clone() Record {
	out := r
	if r.Slices != nil {
		out.Slices = make(map[int]SliceState, len(r.Slices))
		for k, v := range r.Slices {
			out.Slices[k] = v
		}
	}
	return out
}
