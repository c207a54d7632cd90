// Package correlator matches asynchronous command responses to the callers
// waiting on them.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap"
)

// Pending is the handle for one in-flight command.
type Pending struct {
	cmd      types.Command
	resultCh chan types.CommandResult
	since    time.Time
}

func (p *Pending) Command() types.Command {
	return p.cmd
}

// Correlator guarantees exactly one terminal result per registered command.
// Late and duplicate responses are discarded.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*Pending
	order   map[string][]string // deviceID -> command ids, oldest first

	discarded atomic.Uint64
	logger    *zap.Logger
}

func New(logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{
		pending: make(map[string]*Pending),
		order:   make(map[string][]string),
		logger:  logger,
	}
}

func (c *Correlator) Register(cmd types.Command) (*Pending, error) {
	if cmd.ID == "" {
		return nil, errors.New("command id required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[cmd.ID]; exists {
		return nil, fmt.Errorf("command %s already pending", cmd.ID)
	}

	p := &Pending{
		cmd:      cmd,
		resultCh: make(chan types.CommandResult, 1),
		since:    time.Now(),
	}
	c.pending[cmd.ID] = p
	c.order[cmd.DeviceID] = append(c.order[cmd.DeviceID], cmd.ID)

	return p, nil
}

// Resolve delivers a result for result.CommandID. It returns false when the
// command is unknown or already resolved.
func (c *Correlator) Resolve(result types.CommandResult) bool {
	c.mu.Lock()
	p, ok := c.take(result.CommandID)
	c.mu.Unlock()

	if !ok {
		c.discard(result.CommandID)
		return false
	}

	c.deliver(p, result)
	return true
}

// ResolveNext resolves the oldest pending command of a device. Used by
// transports that answer in order without echoing an id.
func (c *Correlator) ResolveNext(deviceID string, result types.CommandResult) bool {
	c.mu.Lock()
	ids := c.order[deviceID]
	if len(ids) == 0 {
		c.mu.Unlock()
		c.discard("")
		return false
	}
	p, _ := c.take(ids[0])
	c.mu.Unlock()

	c.deliver(p, result)
	return true
}

func (c *Correlator) Complete(id string, data any) bool {
	return c.Resolve(types.CommandResult{CommandID: id, Status: types.CommandCompleted, Data: data})
}

func (c *Correlator) Fail(id string, err error) bool {
	result := types.CommandResult{CommandID: id, Status: types.CommandFailed}
	result.SetErr(err)
	return c.Resolve(result)
}

// FailDevice fails every pending command of a device, e.g. on disconnect.
func (c *Correlator) FailDevice(deviceID string, err error) int {
	c.mu.Lock()
	ids := append([]string(nil), c.order[deviceID]...)
	taken := make([]*Pending, 0, len(ids))
	for _, id := range ids {
		if p, ok := c.take(id); ok {
			taken = append(taken, p)
		}
	}
	c.mu.Unlock()

	for _, p := range taken {
		result := types.CommandResult{Status: types.CommandFailed}
		result.SetErr(&types.CommandError{
			DeviceID:  p.cmd.DeviceID,
			CommandID: p.cmd.ID,
			Command:   p.cmd.Command,
			Err:       err,
		})
		c.deliver(p, result)
	}
	return len(taken)
}

// Wait blocks until the command resolves, timeout elapses or ctx ends.
// Exactly one result is returned for each Pending.
func (c *Correlator) Wait(ctx context.Context, p *Pending, timeout time.Duration) types.CommandResult {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-p.resultCh:
		return result
	case <-timer.C:
		return c.expire(p, context.DeadlineExceeded)
	case <-ctx.Done():
		return c.expire(p, ctx.Err())
	}
}

func (c *Correlator) expire(p *Pending, cause error) types.CommandResult {
	c.mu.Lock()
	current, ok := c.pending[p.cmd.ID]
	if ok && current == p {
		c.take(p.cmd.ID)
	}
	c.mu.Unlock()

	if !ok || current != p {
		// resolved concurrently, the result is already buffered
		return <-p.resultCh
	}

	result := types.CommandResult{
		CommandID:   p.cmd.ID,
		DeviceID:    p.cmd.DeviceID,
		Command:     p.cmd.Command,
		CompletedAt: time.Now(),
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		result.Status = types.CommandTimedOut
		result.SetErr(&types.CommandTimeoutError{
			DeviceID:  p.cmd.DeviceID,
			CommandID: p.cmd.ID,
			Command:   p.cmd.Command,
		})
	} else {
		result.Status = types.CommandFailed
		result.SetErr(&types.CommandError{
			DeviceID:  p.cmd.DeviceID,
			CommandID: p.cmd.ID,
			Command:   p.cmd.Command,
			Err:       cause,
		})
	}
	return result
}

// take removes id from both indexes. Caller holds c.mu.
func (c *Correlator) take(id string) (*Pending, bool) {
	p, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	delete(c.pending, id)

	ids := c.order[p.cmd.DeviceID]
	for i, pendingID := range ids {
		if pendingID == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(c.order, p.cmd.DeviceID)
	} else {
		c.order[p.cmd.DeviceID] = ids
	}

	return p, true
}

func (c *Correlator) deliver(p *Pending, result types.CommandResult) {
	result.CommandID = p.cmd.ID
	result.DeviceID = p.cmd.DeviceID
	result.Command = p.cmd.Command
	if !result.Status.Terminal() {
		result.Status = types.CommandCompleted
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}
	if result.Status != types.CommandCompleted {
		result.SetErr(commandError(p.cmd, result))
	}

	select {
	case p.resultCh <- result:
	default:
	}
}

func (c *Correlator) discard(id string) {
	c.discarded.Add(1)
	c.logger.Debug("Discarding response without pending command", zap.String("command_id", id))
}

func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingFor returns the number of unresolved commands of one device.
func (c *Correlator) PendingFor(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order[deviceID])
}

// Discarded counts responses that matched no pending command.
func (c *Correlator) Discarded() uint64 {
	return c.discarded.Load()
}

// commandError keeps typed taxonomy errors and wraps anything else.
func commandError(cmd types.Command, result types.CommandResult) error {
	err := result.Err()

	var (
		commandErr *types.CommandError
		timeoutErr *types.CommandTimeoutError
	)
	if errors.As(err, &commandErr) || errors.As(err, &timeoutErr) {
		return err
	}
	if err == nil {
		err = errors.New(nonEmpty(result.Error, "device reported failure"))
	}
	return &types.CommandError{
		DeviceID:  cmd.DeviceID,
		CommandID: cmd.ID,
		Command:   cmd.Command,
		Err:       err,
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
