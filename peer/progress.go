package peer

import (
	"sync"
	"time"
)

// TransferState represents the current state of a transfer
type TransferState int

const (
	TransferPending TransferState = iota
	TransferRunning
	TransferCompleted
	TransferFailed
)

// String returns a string representation of the transfer state
func (s TransferState) String() string {
	switch s {
	case TransferPending:
		return "pending"
	case TransferRunning:
		return "running"
	case TransferCompleted:
		return "completed"
	case TransferFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Icon returns an icon representation of the transfer state
func (s TransferState) Icon() string {
	switch s {
	case TransferPending:
		return "⏳"
	case TransferRunning:
		return "↓"
	case TransferCompleted:
		return "✓"
	case TransferFailed:
		return "✗"
	default:
		return "?"
	}
}

// TransferTracker tracks the byte progress of one file transfer. It is an
// io.Writer so it can sit behind an io.MultiWriter or io.TeeReader.
type TransferTracker struct {
	mu        sync.RWMutex
	Direction string
	FileName  string
	PeerAddr  string
	Total     int64
	StartTime time.Time
	EndTime   time.Time

	done     int64
	state    TransferState
	err      error
	finished chan struct{}
	finish   sync.Once

	// Speed calculation
	lastBytes    int64
	lastTime     time.Time
	currentSpeed float64 // bytes/sec
	resumes      int
}

func NewTransferTracker(direction, fileName, peerAddr string, total int64) *TransferTracker {
	now := time.Now()
	return &TransferTracker{
		Direction: direction,
		FileName:  fileName,
		PeerAddr:  peerAddr,
		Total:     total,
		StartTime: now,
		lastTime:  now,
		state:     TransferPending,
		finished:  make(chan struct{}),
	}
}

// SetTotal sets the size once the remote has announced it.
func (t *TransferTracker) SetTotal(total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Total = total
	if t.state == TransferPending {
		t.state = TransferRunning
	}
}

func (t *TransferTracker) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.done += int64(len(p))
	if t.state == TransferPending {
		t.state = TransferRunning
	}
	t.mu.Unlock()
	return len(p), nil
}

// Resumed records that the transfer restarts from the current offset.
func (t *TransferTracker) Resumed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resumes++
}

func (t *TransferTracker) Complete() {
	t.mu.Lock()
	t.state = TransferCompleted
	t.EndTime = time.Now()
	t.mu.Unlock()
	t.finish.Do(func() { close(t.finished) })
}

func (t *TransferTracker) Fail(err error) {
	t.mu.Lock()
	t.state = TransferFailed
	t.err = err
	t.EndTime = time.Now()
	t.mu.Unlock()
	t.finish.Do(func() { close(t.finished) })
}

// Done is closed once the transfer completed or failed.
func (t *TransferTracker) Done() <-chan struct{} {
	return t.finished
}

// UpdateSpeed calculates and updates the current transfer speed
func (t *TransferTracker) UpdateSpeed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(t.lastTime).Seconds()

	if elapsed >= 0.5 { // Update every 0.5 seconds
		t.currentSpeed = float64(t.done-t.lastBytes) / elapsed
		t.lastBytes = t.done
		t.lastTime = now
	}

	return t.currentSpeed
}

// Progress returns bytes done, total bytes and the current speed (bytes/s).
func (t *TransferTracker) Progress() (done, total int64, speed float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.done, t.Total, t.currentSpeed
}

// Percent returns the progress percentage (0-100)
func (t *TransferTracker) Percent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.Total <= 0 {
		if t.state == TransferCompleted {
			return 100
		}
		return 0
	}
	return float64(t.done) / float64(t.Total) * 100
}

// ETA returns the estimated time remaining
func (t *TransferTracker) ETA() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	remaining := t.Total - t.done
	if t.currentSpeed <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/t.currentSpeed) * time.Second
}

// Elapsed returns the time since the transfer started
func (t *TransferTracker) Elapsed() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.EndTime.IsZero() {
		return t.EndTime.Sub(t.StartTime)
	}
	return time.Since(t.StartTime)
}

func (t *TransferTracker) State() TransferState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Err returns the failure cause once the transfer failed.
func (t *TransferTracker) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

func (t *TransferTracker) Resumes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resumes
}
