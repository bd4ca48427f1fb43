// Copyright 2024-present Eclaire Labs. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE.txt for details.

package jobqueue

import "github.com/google/uuid"

// NewJobID returns a globally unique job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// NewLockToken returns a fresh fencing token. Tokens are generated per
// claim and never derived from the job id, so a worker whose lock expired
// cannot complete the job with a token from an earlier claim.
func NewLockToken() string {
	return uuid.NewString()
}
