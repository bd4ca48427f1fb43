// Copyright 2024-present Eclaire Labs. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE.txt for details.

package jobqueue

import "encoding/json"

// Events are optional callbacks fired on job and stage transitions. They
// are the sole mechanism for live-progress fan-out (e.g. to a UI). Every
// callback receives the job's opaque metadata uninterpreted. Callbacks
// run on the worker goroutine; panics are recovered so that a broken
// callback cannot affect job correctness.
type Events struct {
	JobCompleted   func(jobID string, metadata map[string]interface{})
	JobFailed      func(jobID, errMsg string, metadata map[string]interface{})
	JobProgress    func(jobID string, pct int, metadata map[string]interface{})
	StageStarted   func(jobID, stage string, metadata map[string]interface{})
	StageProgress  func(jobID, stage string, pct int, metadata map[string]interface{})
	StageCompleted func(jobID, stage string, artifacts json.RawMessage, metadata map[string]interface{})
	StageFailed    func(jobID, stage, errMsg string, metadata map[string]interface{})
}

func guard() {
	_ = recover()
}

// EmitJobCompleted fires the JobCompleted callback, if any.
func (e *Events) EmitJobCompleted(jobID string, metadata map[string]interface{}) {
	if e == nil || e.JobCompleted == nil {
		return
	}
	defer guard()
	e.JobCompleted(jobID, metadata)
}

// EmitJobFailed fires the JobFailed callback, if any.
func (e *Events) EmitJobFailed(jobID, errMsg string, metadata map[string]interface{}) {
	if e == nil || e.JobFailed == nil {
		return
	}
	defer guard()
	e.JobFailed(jobID, errMsg, metadata)
}

// EmitJobProgress fires the JobProgress callback, if any.
func (e *Events) EmitJobProgress(jobID string, pct int, metadata map[string]interface{}) {
	if e == nil || e.JobProgress == nil {
		return
	}
	defer guard()
	e.JobProgress(jobID, pct, metadata)
}

// EmitStageStarted fires the StageStarted callback, if any.
func (e *Events) EmitStageStarted(jobID, stage string, metadata map[string]interface{}) {
	if e == nil || e.StageStarted == nil {
		return
	}
	defer guard()
	e.StageStarted(jobID, stage, metadata)
}

// EmitStageProgress fires the StageProgress callback, if any.
func (e *Events) EmitStageProgress(jobID, stage string, pct int, metadata map[string]interface{}) {
	if e == nil || e.StageProgress == nil {
		return
	}
	defer guard()
	e.StageProgress(jobID, stage, pct, metadata)
}

// EmitStageCompleted fires the StageCompleted callback, if any.
func (e *Events) EmitStageCompleted(jobID, stage string, artifacts json.RawMessage, metadata map[string]interface{}) {
	if e == nil || e.StageCompleted == nil {
		return
	}
	defer guard()
	e.StageCompleted(jobID, stage, artifacts, metadata)
}

// EmitStageFailed fires the StageFailed callback, if any.
func (e *Events) EmitStageFailed(jobID, stage, errMsg string, metadata map[string]interface{}) {
	if e == nil || e.StageFailed == nil {
		return
	}
	defer guard()
	e.StageFailed(jobID, stage, errMsg, metadata)
}
