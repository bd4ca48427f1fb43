// Copyright 2024-present Eclaire Labs. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE.txt for details.

package jobqueue

import (
	"encoding/json"
	"fmt"
	"math"
)

// Stage states.
const (
	StagePending    string = "pending"
	StageProcessing string = "processing"
	StageCompleted  string = "completed"
	StageFailed     string = "failed"
)

// Stage is one named step of a multi-stage job. The stage list is an
// ordered log: order is significant and preserved, and new stages may be
// appended while the job is already running.
type Stage struct {
	Name      string          `json:"name"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"` // 0-100
	Started   int64           `json:"started,omitempty"`
	Completed int64           `json:"completed,omitempty"`
	Error     string          `json:"error,omitempty"`
	Artifacts json.RawMessage `json:"artifacts,omitempty"` // opaque result payload attached on completion
}

// The functions below are the pure stage engine. They transform a stage
// list in place and are shared by all drivers; persistence is the
// caller's concern.

func findStage(stages []Stage, name string) int {
	for i := range stages {
		if stages[i].Name == name {
			return i
		}
	}
	return -1
}

// InitStages builds a fresh stage list with all stages pending at 0%.
func InitStages(names []string) []Stage {
	stages := make([]Stage, len(names))
	for i, name := range names {
		stages[i] = Stage{Name: name, Status: StagePending}
	}
	return stages
}

// StartStage marks the named stage as processing. At most one stage may
// be processing at a time.
func StartStage(stages []Stage, name string, now int64) error {
	for i := range stages {
		if stages[i].Status == StageProcessing && stages[i].Name != name {
			return fmt.Errorf("jobqueue: stage %q is still processing", stages[i].Name)
		}
	}
	i := findStage(stages, name)
	if i < 0 {
		return fmt.Errorf("jobqueue: unknown stage %q", name)
	}
	stages[i].Status = StageProcessing
	stages[i].Started = now
	return nil
}

// SetStageProgress updates the progress of the named stage. The percentage
// is clamped to [0,100].
func SetStageProgress(stages []Stage, name string, pct int) error {
	i := findStage(stages, name)
	if i < 0 {
		return fmt.Errorf("jobqueue: unknown stage %q", name)
	}
	stages[i].Progress = clampPct(pct)
	return nil
}

// CompleteStage marks the named stage as completed at 100%, optionally
// attaching an opaque artifacts payload.
func CompleteStage(stages []Stage, name string, artifacts json.RawMessage, now int64) error {
	i := findStage(stages, name)
	if i < 0 {
		return fmt.Errorf("jobqueue: unknown stage %q", name)
	}
	stages[i].Status = StageCompleted
	stages[i].Progress = 100
	stages[i].Completed = now
	stages[i].Artifacts = artifacts
	return nil
}

// FailStage marks the named stage as failed, keeping its last progress
// value. Failing a stage does not abort the job; the handler may continue
// with subsequent stages.
func FailStage(stages []Stage, name, errMsg string, now int64) error {
	i := findStage(stages, name)
	if i < 0 {
		return fmt.Errorf("jobqueue: unknown stage %q", name)
	}
	stages[i].Status = StageFailed
	stages[i].Error = errMsg
	stages[i].Completed = now
	return nil
}

// AddStages appends new pending stages to the end of the list, in the
// order given. Duplicate names are rejected.
func AddStages(stages []Stage, names []string) ([]Stage, error) {
	for _, name := range names {
		if findStage(stages, name) >= 0 {
			return nil, fmt.Errorf("jobqueue: stage %q already exists", name)
		}
		stages = append(stages, Stage{Name: name, Status: StagePending})
	}
	return stages, nil
}

// OverallProgress is the rounded arithmetic mean of the stage progress
// values: completed stages count as 100, failed stages as their last
// progress value, pending stages as 0.
func OverallProgress(stages []Stage) int {
	if len(stages) == 0 {
		return 0
	}
	var sum int
	for i := range stages {
		sum += stages[i].Progress
	}
	return int(math.Round(float64(sum) / float64(len(stages))))
}

func clampPct(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
