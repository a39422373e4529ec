// Copyright 2024 The swapcapture Authors
// This file is part of the swapcapture library.
//
// The swapcapture library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The swapcapture library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the swapcapture library. If not, see <http://www.gnu.org/licenses/>.

package types

import "time"

// JobStatus is the lifecycle state of an asynchronous submission.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal jobs never change
// again and each terminal transition fires exactly one webhook dispatch.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job tracks one asynchronous trade submission through the pipeline.
type Job struct {
	ID          string        `json:"jobId"`
	TradeID     string        `json:"tradeId"`
	Source      Source        `json:"source"`
	Status      JobStatus     `json:"status"`
	Progress    int           `json:"progress"`
	Message     string        `json:"message,omitempty"`
	Error       *ErrorDetail  `json:"error,omitempty"`
	TradeStatus PositionState `json:"tradeStatus,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	CallbackURL string        `json:"callbackUrl,omitempty"`
}
