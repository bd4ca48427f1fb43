// Copyright 2024-present Eclaire Labs. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE.txt for details.

package jobqueue

import (
	"encoding/json"
	"testing"
)

func TestInitStages(t *testing.T) {
	stages := InitStages([]string{"download", "convert", "upload"})
	if have, want := len(stages), 3; have != want {
		t.Fatalf("len(stages) = %d, want %d", have, want)
	}
	for i, name := range []string{"download", "convert", "upload"} {
		if have, want := stages[i].Name, name; have != want {
			t.Fatalf("stages[%d].Name = %q, want %q", i, have, want)
		}
		if have, want := stages[i].Status, StagePending; have != want {
			t.Fatalf("stages[%d].Status = %q, want %q", i, have, want)
		}
		if have := stages[i].Progress; have != 0 {
			t.Fatalf("stages[%d].Progress = %d, want 0", i, have)
		}
	}
}

func TestStartStage(t *testing.T) {
	stages := InitStages([]string{"a", "b"})
	if err := StartStage(stages, "a", 1000); err != nil {
		t.Fatalf("StartStage failed with %v", err)
	}
	if have, want := stages[0].Status, StageProcessing; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := stages[0].Started, int64(1000); have != want {
		t.Fatalf("Started = %d, want %d", have, want)
	}
}

func TestStartStageRejectsSecondProcessing(t *testing.T) {
	stages := InitStages([]string{"a", "b"})
	if err := StartStage(stages, "a", 1000); err != nil {
		t.Fatalf("StartStage failed with %v", err)
	}
	if err := StartStage(stages, "b", 1000); err == nil {
		t.Fatal("expected StartStage to fail while another stage is processing")
	}
	// Restarting the same stage is fine, e.g. after a retry.
	if err := StartStage(stages, "a", 2000); err != nil {
		t.Fatalf("StartStage failed with %v", err)
	}
}

func TestStartStageUnknownName(t *testing.T) {
	stages := InitStages([]string{"a"})
	if err := StartStage(stages, "nope", 1000); err == nil {
		t.Fatal("expected StartStage to fail for an unknown stage")
	}
}

func TestCompleteStage(t *testing.T) {
	stages := InitStages([]string{"a"})
	if err := StartStage(stages, "a", 1000); err != nil {
		t.Fatalf("StartStage failed with %v", err)
	}
	artifacts := json.RawMessage(`{"url":"s3://bucket/key"}`)
	if err := CompleteStage(stages, "a", artifacts, 2000); err != nil {
		t.Fatalf("CompleteStage failed with %v", err)
	}
	if have, want := stages[0].Status, StageCompleted; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := stages[0].Progress, 100; have != want {
		t.Fatalf("Progress = %d, want %d", have, want)
	}
	if have, want := string(stages[0].Artifacts), string(artifacts); have != want {
		t.Fatalf("Artifacts = %s, want %s", have, want)
	}
}

func TestFailStageKeepsProgress(t *testing.T) {
	stages := InitStages([]string{"a"})
	if err := StartStage(stages, "a", 1000); err != nil {
		t.Fatalf("StartStage failed with %v", err)
	}
	if err := SetStageProgress(stages, "a", 40); err != nil {
		t.Fatalf("SetStageProgress failed with %v", err)
	}
	if err := FailStage(stages, "a", "boom", 2000); err != nil {
		t.Fatalf("FailStage failed with %v", err)
	}
	if have, want := stages[0].Status, StageFailed; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := stages[0].Progress, 40; have != want {
		t.Fatalf("Progress = %d, want %d", have, want)
	}
	if have, want := stages[0].Error, "boom"; have != want {
		t.Fatalf("Error = %q, want %q", have, want)
	}
}

func TestSetStageProgressClamps(t *testing.T) {
	stages := InitStages([]string{"a"})
	if err := SetStageProgress(stages, "a", 150); err != nil {
		t.Fatalf("SetStageProgress failed with %v", err)
	}
	if have, want := stages[0].Progress, 100; have != want {
		t.Fatalf("Progress = %d, want %d", have, want)
	}
	if err := SetStageProgress(stages, "a", -10); err != nil {
		t.Fatalf("SetStageProgress failed with %v", err)
	}
	if have, want := stages[0].Progress, 0; have != want {
		t.Fatalf("Progress = %d, want %d", have, want)
	}
}

func TestAddStages(t *testing.T) {
	stages := InitStages([]string{"a"})
	stages, err := AddStages(stages, []string{"b", "c"})
	if err != nil {
		t.Fatalf("AddStages failed with %v", err)
	}
	if have, want := len(stages), 3; have != want {
		t.Fatalf("len(stages) = %d, want %d", have, want)
	}
	if have, want := stages[2].Name, "c"; have != want {
		t.Fatalf("stages[2].Name = %q, want %q", have, want)
	}
	if _, err := AddStages(stages, []string{"a"}); err == nil {
		t.Fatal("expected AddStages to reject a duplicate name")
	}
}

func TestOverallProgress(t *testing.T) {
	tests := []struct {
		Progress []int
		Expected int
	}{
		{nil, 0},
		{[]int{0}, 0},
		{[]int{100}, 100},
		{[]int{100, 50, 0}, 50},
		{[]int{100, 0, 0}, 33},
		{[]int{100, 100, 0}, 67},
		{[]int{50, 50, 50, 51}, 50},
	}

	for i, test := range tests {
		stages := make([]Stage, len(test.Progress))
		for k, pct := range test.Progress {
			stages[k] = Stage{Name: string(rune('a' + k)), Progress: pct}
		}
		if want, have := test.Expected, OverallProgress(stages); want != have {
			t.Fatalf("#%d: want %d, have %d", i, want, have)
		}
	}
}
