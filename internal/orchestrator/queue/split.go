// Reel is a media processing orchestration service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package queue

import (
	"encoding/json"
	"fmt"

	"reel/pkg/mediajob"
)

// Default split policy for image-to-video jobs.
const (
	DefaultSplitThreshold = 50
	DefaultSplitMaxChunks = 3
)

// SplitPolicy decides how image-to-video jobs are partitioned across
// workers. A job with more than Threshold images is split into
// min(MaxChunks, n/Threshold+1) contiguous, as-equal chunks.
type SplitPolicy struct {
	Threshold int
	MaxChunks int
}

// DefaultSplitPolicy returns the stock 50-image / 3-chunk policy.
func DefaultSplitPolicy() SplitPolicy {
	return SplitPolicy{Threshold: DefaultSplitThreshold, MaxChunks: DefaultSplitMaxChunks}
}

// ChunkCount returns how many chunks a job with n images produces.
func (p SplitPolicy) ChunkCount(n int) int {
	if n <= p.Threshold {
		return 1
	}
	k := n/p.Threshold + 1
	if k > p.MaxChunks {
		k = p.MaxChunks
	}
	return k
}

// partition splits n items into k contiguous as-equal spans: every span
// gets n/k items and the first n%k spans get one extra.
func partition(n, k int) [][2]int {
	base := n / k
	extra := n % k
	spans := make([][2]int, 0, k)
	start := 0
	for i := 0; i < k; i++ {
		size := base
		if i < extra {
			size++
		}
		spans = append(spans, [2]int{start, start + size})
		start += size
	}
	return spans
}

// PlanSubmissions produces the per-run input payloads for a job. Only
// image-to-video jobs split; every other operation submits a single run
// with the payload passed through untouched. The returned slice length
// is the number of workers the job needs.
func (p SplitPolicy) PlanSubmissions(job *mediajob.Job) ([]json.RawMessage, error) {
	if job.Operation.Base() != mediajob.OpImg2Video {
		return []json.RawMessage{job.Payload}, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(job.Payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	var images []json.RawMessage
	if raw, ok := envelope["images"]; ok {
		if err := json.Unmarshal(raw, &images); err != nil {
			return nil, fmt.Errorf("decode images: %w", err)
		}
	}

	k := p.ChunkCount(len(images))
	if k <= 1 {
		return []json.RawMessage{job.Payload}, nil
	}

	chunks := make([]json.RawMessage, 0, k)
	for _, span := range partition(len(images), k) {
		sub := make(map[string]json.RawMessage, len(envelope))
		for key, val := range envelope {
			sub[key] = val
		}
		imgs, err := json.Marshal(images[span[0]:span[1]])
		if err != nil {
			return nil, fmt.Errorf("encode image chunk: %w", err)
		}
		sub["images"] = imgs
		payload, err := json.Marshal(sub)
		if err != nil {
			return nil, fmt.Errorf("encode chunk payload: %w", err)
		}
		chunks = append(chunks, payload)
	}
	return chunks, nil
}

// WorkersNeeded returns the worker count the job will reserve when it
// reaches the head of the queue.
func (p SplitPolicy) WorkersNeeded(job *mediajob.Job) (int, error) {
	plans, err := p.PlanSubmissions(job)
	if err != nil {
		return 0, err
	}
	return len(plans), nil
}
