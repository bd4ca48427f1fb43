// Copyright 2024-present Eclaire Labs. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE.txt for details.

package jobqueue

// Stats returns statistics about the job queue.
type Stats struct {
	Pending      int `json:"pending"`      // number of jobs waiting to be claimed
	Processing   int `json:"processing"`   // number of jobs currently held by workers
	RetryPending int `json:"retryPending"` // number of jobs waiting for a retry backoff
	Completed    int `json:"completed"`    // number of successfully completed jobs
	Failed       int `json:"failed"`       // number of failed jobs (even after retries)
}

// ListRequest specifies a filter for listing jobs.
type ListRequest struct {
	Queue  string // filter by queue
	Status string // filter by status
	Limit  int    // maximum number of jobs to return
	Offset int    // number of jobs to skip (for pagination)
}
