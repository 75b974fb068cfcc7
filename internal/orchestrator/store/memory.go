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

package store

import (
	"context"
	"sync"
	"time"

	"reel/pkg/mediajob"
)

// Memory is the in-memory JobStore backend. A single mutex serializes
// all operations; suitable for development and single-process use.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*mediajob.Job
	pending   []string
	available int
	max       int
	dlq       []DeadLetter
	now       func() time.Time
}

// NewMemory constructs a Memory store with the full worker budget
// available.
func NewMemory(maxWorkers int) *Memory {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Memory{
		jobs:      make(map[string]*mediajob.Job),
		available: maxWorkers,
		max:       maxWorkers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SaveJob creates or overwrites a job; new QUEUED jobs join the tail of
// the pending queue.
func (m *Memory) SaveJob(ctx context.Context, job *mediajob.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.jobs[job.ID]
	m.jobs[job.ID] = job.Clone()
	if job.Status == mediajob.StatusQueued && !existed {
		m.pending = append(m.pending, job.ID)
	}
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*mediajob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (m *Memory) UpdateJob(ctx context.Context, id string, patch Patch) (*mediajob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := applyPatch(job, patch, m.now); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

func (m *Memory) PeekPending(ctx context.Context) (*mediajob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil, ErrNotFound
	}
	job, ok := m.jobs[m.pending[0]]
	if !ok {
		// Orphaned queue entry; drop it.
		m.pending = m.pending[1:]
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (m *Memory) DequeuePending(ctx context.Context) (*mediajob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.pending) > 0 {
		id := m.pending[0]
		m.pending = m.pending[1:]
		if job, ok := m.jobs[id]; ok {
			return job.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) RequeueFront(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	m.pending = append([]string{id}, m.pending...)
	return nil
}

func (m *Memory) RemovePending(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, pid := range m.pending {
		if pid == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) QueuePosition(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, pid := range m.pending {
		if pid == id {
			return i + 1, nil
		}
	}
	return 0, ErrNotFound
}

func (m *Memory) ReserveWorkers(ctx context.Context, n int) (bool, error) {
	if n < 0 {
		n = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.available < n {
		return false, nil
	}
	m.available -= n
	return true, nil
}

func (m *Memory) ReleaseWorkers(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available += n
	if m.available > m.max {
		m.available = m.max
	}
	return nil
}

func (m *Memory) ReleaseJobWorkers(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return 0, ErrNotFound
	}
	n := job.WorkersReserved
	if n <= 0 {
		return 0, nil
	}
	job.WorkersReserved = 0
	m.available += n
	if m.available > m.max {
		m.available = m.max
	}
	return n, nil
}

func (m *Memory) ListByStatus(ctx context.Context, status mediajob.Status) ([]*mediajob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*mediajob.Job
	for _, job := range m.jobs {
		if job.Status == status {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (m *Memory) QueueStats(ctx context.Context) (*mediajob.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &mediajob.QueueStats{
		PendingDepth:     len(m.pending),
		ActiveWorkers:    m.max - m.available,
		AvailableWorkers: m.available,
		MaxWorkers:       m.max,
	}
	for _, job := range m.jobs {
		switch job.Status {
		case mediajob.StatusQueued:
			stats.Queued++
		case mediajob.StatusSubmitted:
			stats.Submitted++
		case mediajob.StatusProcessing:
			stats.Processing++
		case mediajob.StatusCompleted:
			stats.Completed++
		case mediajob.StatusFailed:
			stats.Failed++
		case mediajob.StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func (m *Memory) RecoverLeakedWorkers(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recovered := 0
	for _, job := range m.jobs {
		if job.Status.IsTerminal() && job.WorkersReserved > 0 {
			recovered += job.WorkersReserved
			job.WorkersReserved = 0
		}
	}
	if recovered > 0 {
		m.available += recovered
		if m.available > m.max {
			m.available = m.max
		}
	}
	return recovered, nil
}

func (m *Memory) EvictExpired(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, job := range m.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(olderThan) {
			delete(m.jobs, id)
			evicted++
		}
	}
	return evicted, nil
}

func (m *Memory) PushDeadLetter(ctx context.Context, d DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq = append(m.dlq, d)
	return nil
}

func (m *Memory) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]DeadLetter(nil), m.dlq...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
