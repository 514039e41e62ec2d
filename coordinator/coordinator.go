// Package coordinator serialises work per user and tracks long running
// processes such as key rotation.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"
)

type ProcessStatus string

const (
	StatusRunning   ProcessStatus = "running"
	StatusCompleted ProcessStatus = "completed"
	StatusFailed    ProcessStatus = "failed"
)

// ErrProcessExists is returned by StartProcess for an id that is already running
var ErrProcessExists = errors.New("process already running")

// ErrShuttingDown is returned once Shutdown has been called
var ErrShuttingDown = errors.New("coordinator is shutting down")

type Process struct {
	ID         string
	Status     ProcessStatus
	StartTime  time.Time
	FinishTime time.Time
	Total      int
	Processed  int
	Error      error
	cancel     context.CancelFunc
}

// Progress returns the processed fraction in [0, 1]
func (p *Process) Progress() float64 {
	if p.Total <= 0 {
		if p.Status == StatusCompleted {
			return 1
		}
		return 0
	}
	return float64(p.Processed) / float64(p.Total)
}

func (p *Process) snapshot() *Process {
	return &Process{
		ID:         p.ID,
		Status:     p.Status,
		StartTime:  p.StartTime,
		FinishTime: p.FinishTime,
		Total:      p.Total,
		Processed:  p.Processed,
		Error:      p.Error,
	}
}

// userLock is a one slot channel plus the number of callers holding or
// waiting on it. It is dropped from the map when the count reaches zero.
type userLock struct {
	ch   chan struct{}
	refs int
}

type Coordinator struct {
	mu              sync.RWMutex
	activeProcesses map[string]*Process
	finished        map[string]*Process
	userLocks       map[string]*userLock
	shutdownCh      chan struct{}
	shutdownOnce    sync.Once
	wg              sync.WaitGroup
	now             func() time.Time
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		activeProcesses: make(map[string]*Process),
		finished:        make(map[string]*Process),
		userLocks:       make(map[string]*userLock),
		shutdownCh:      make(chan struct{}),
		now:             time.Now,
	}
}

func (c *Coordinator) acquireRef(userID string) *userLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.userLocks[userID]
	if !ok {
		l = &userLock{ch: make(chan struct{}, 1)}
		c.userLocks[userID] = l
	}
	l.refs++
	return l
}

func (c *Coordinator) releaseRef(userID string, l *userLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(c.userLocks, userID)
	}
}

// LockUser blocks until the caller holds the user's lock or ctx is done.
// The returned func releases the lock and is safe to call once.
func (c *Coordinator) LockUser(ctx context.Context, userID string) (func(), error) {
	if c.IsShuttingDown() {
		return nil, ErrShuttingDown
	}
	l := c.acquireRef(userID)
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		c.releaseRef(userID, l)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			c.releaseRef(userID, l)
		})
	}, nil
}

// StartProcess registers a running process. It fails with ErrProcessExists
// when a process with the same id is still running.
func (c *Coordinator) StartProcess(ctx context.Context, processID string, total int) (*Process, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.IsShuttingDown() {
		return nil, nil, ErrShuttingDown
	}
	if _, exists := c.activeProcesses[processID]; exists {
		return nil, nil, ErrProcessExists
	}

	processCtx, cancel := context.WithCancel(ctx)
	process := &Process{
		ID:        processID,
		Status:    StatusRunning,
		StartTime: c.now(),
		Total:     total,
		cancel:    cancel,
	}
	c.activeProcesses[processID] = process
	delete(c.finished, processID)
	c.wg.Add(1)

	return process.snapshot(), processCtx, nil
}

// UpdateProgress records progress of a running process
func (c *Coordinator) UpdateProgress(processID string, processed, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if process, exists := c.activeProcesses[processID]; exists {
		process.Processed = processed
		if total > 0 {
			process.Total = total
		}
	}
}

// FinishProcess moves a process out of the active set, keeping its final
// state for GetProcessStatus
func (c *Coordinator) FinishProcess(processID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	process, exists := c.activeProcesses[processID]
	if !exists {
		return
	}
	process.cancel()
	process.FinishTime = c.now()
	process.Error = err
	if err != nil {
		process.Status = StatusFailed
	} else {
		process.Status = StatusCompleted
		if process.Total > 0 {
			process.Processed = process.Total
		}
	}
	delete(c.activeProcesses, processID)
	c.finished[processID] = process
	c.wg.Done()
}

// GetProcessStatus returns a copy of the running or last finished process
func (c *Coordinator) GetProcessStatus(processID string) *Process {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if process, exists := c.activeProcesses[processID]; exists {
		return process.snapshot()
	}
	if process, exists := c.finished[processID]; exists {
		return process.snapshot()
	}
	return nil
}

// ListProcesses returns copies of the running processes
func (c *Coordinator) ListProcesses() []*Process {
	c.mu.RLock()
	defer c.mu.RUnlock()

	processes := make([]*Process, 0, len(c.activeProcesses))
	for _, process := range c.activeProcesses {
		processes = append(processes, process.snapshot())
	}
	return processes
}

// Shutdown cancels running processes and waits for them to finish
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })

	c.mu.Lock()
	for _, process := range c.activeProcesses {
		process.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) IsShuttingDown() bool {
	select {
	case <-c.shutdownCh:
		return true
	default:
		return false
	}
}
