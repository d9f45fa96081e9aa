/*
Package poll provides the multiplexer of the reactor. A Poller wraps the
platform readiness primitive from package sys (epoll on Linux, kqueue on
Darwin) and tracks one Registration per registered channel.

A Poller is driven by a single goroutine that calls Poll. Wake, AddTask and
AddPriorTask are the only methods meant to be called from other goroutines.
*/
package poll

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moqsien/processes/logger"

	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/sys"
	"github.com/moqsien/gkreactor/utils/errs"
	"github.com/moqsien/gkreactor/utils/queue"
)

type task struct {
	run iface.PollTaskFunc
	arg iface.PollTaskArg
}

var taskPool = sync.Pool{New: func() any { return &task{} }}

func getTask(f iface.PollTaskFunc, arg iface.PollTaskArg) *task {
	t := taskPool.Get().(*task)
	t.run, t.arg = f, arg
	return t
}

func putTask(t *task) {
	t.run, t.arg = nil, nil
	taskPool.Put(t)
}

// Forever makes Poll block until a channel is ready or the poller is woken.
const Forever time.Duration = -1

type Poller struct {
	pollFd     int                   // poll file descriptor
	pollEvFd   int                   // poll event file descriptor
	events     *sys.EventList        // buffer for the native wait call
	mu         sync.Mutex            // guards regs, cancelled and native interest
	pollMu     sync.Mutex            // held for the duration of a Poll
	regs       map[int]*Registration // live and not yet purged registrations
	cancelled  []*Registration       // purged on the next Poll
	selected   []*Registration       // result of the last Poll
	cycle      uint64                // Poll counter, dedups kqueue filters
	collect    sys.WaitCallback      // cached method value
	priorTasks *queue.Queue[*task]   // tasks with priority
	tasks      *queue.Queue[*task]   // tasks
	toTrigger  atomic.Int32          // atomic number to trigger tasks
	closed     atomic.Bool
}

// Open allocates the native polling primitive and its wake-up channel.
func Open() (*Poller, error) {
	pollFd, pollEvFd, err := sys.CreatePoll()
	if err != nil {
		if sys.IsExhausted(err) {
			return nil, fmt.Errorf("%w: %w", errs.ErrResourceExhausted, err)
		}
		return nil, err
	}
	p := &Poller{
		pollFd:     pollFd,
		pollEvFd:   pollEvFd,
		events:     sys.NewEventList(),
		regs:       make(map[int]*Registration),
		priorTasks: queue.NewQueue[*task](),
		tasks:      queue.NewQueue[*task](),
	}
	p.collect = p.onEvent
	return p, nil
}

// Register binds ch to the poller with the given interest and attachment.
// Registering a channel that already has a live registration with this
// poller updates that registration in place.
func (that *Poller) Register(ch iface.Selectable, ops iface.Ops, attachment any) (*Registration, error) {
	if that.closed.Load() {
		return nil, errs.ErrPollerClosed
	}
	if !ch.IsOpen() {
		return nil, errs.ErrChannelClosed
	}
	if ch.IsBlocking() {
		return nil, errs.ErrIllegalBlockingMode
	}
	if invalid := ops &^ ch.ValidOps(); invalid != 0 {
		return nil, fmt.Errorf("%w: %s on %s", errs.ErrUnsupportedOp, invalid, ch.Kind())
	}

	that.mu.Lock()
	defer that.mu.Unlock()
	if k, ok := ch.Key().(*Registration); ok && k.poller == that && k.IsValid() {
		k.interest, k.attachment = ops, attachment
		return k, k.refreshLocked()
	}

	reg := &Registration{
		poller:     that,
		ch:         ch,
		fd:         ch.GetFd(),
		interest:   ops,
		attachment: attachment,
	}
	reg.valid.Store(true)
	if err := ch.AttachKey(reg); err != nil {
		return nil, err
	}
	if err := reg.refreshLocked(); err != nil {
		reg.valid.Store(false)
		ch.DetachKey(reg)
		return nil, err
	}
	if stale, ok := that.regs[reg.fd]; ok {
		// a recycled descriptor whose cancellation is not purged yet
		stale.valid.Store(false)
	}
	that.regs[reg.fd] = reg
	return reg, nil
}

// Poll waits until at least one registration is ready, the timeout elapses
// or the poller is woken. A negative timeout blocks indefinitely, zero
// returns at once. The returned slice holds each ready registration once and
// is reused by the next call.
func (that *Poller) Poll(timeout time.Duration) ([]*Registration, error) {
	that.pollMu.Lock()
	defer that.pollMu.Unlock()
	if that.closed.Load() {
		return nil, errs.ErrPollerClosed
	}
	that.purge()

	that.selected = that.selected[:0]
	that.cycle++
	trigger, err := sys.WaitPoll(that.pollFd, that.pollEvFd, that.events, sys.DurationToMsec(timeout), that.collect)
	if that.closed.Load() {
		return nil, errs.ErrPollerClosed
	}
	if err != nil {
		logger.Errorf("error occurs in poller: %v", err)
		return nil, fmt.Errorf("%w: %w", errs.ErrPollerFailure, err)
	}
	if trigger {
		sys.DrainTrigger(that.pollEvFd)
		that.toTrigger.Store(0)
	}
	return that.selected, nil
}

// PollNow polls without blocking.
func (that *Poller) PollNow() ([]*Registration, error) {
	return that.Poll(0)
}

func (that *Poller) onEvent(fd int, events uint32) {
	that.mu.Lock()
	defer that.mu.Unlock()
	reg := that.regs[fd]
	if reg == nil || !reg.IsValid() {
		return
	}
	ready := reg.ch.TranslateReady(events, reg.interest)
	if ready == 0 {
		return
	}
	if reg.cycle == that.cycle {
		reg.ready |= ready
		return
	}
	reg.cycle, reg.ready = that.cycle, ready
	that.selected = append(that.selected, reg)
}

func (that *Poller) purge() {
	that.mu.Lock()
	for _, reg := range that.cancelled {
		if that.regs[reg.fd] == reg {
			delete(that.regs, reg.fd)
		}
	}
	that.cancelled = that.cancelled[:0]
	that.mu.Unlock()
}

// Wake makes a blocked Poll return at once, or the next Poll if none is
// blocked. Wake-ups are coalesced until a Poll consumes them.
func (that *Poller) Wake() error {
	if that.closed.Load() {
		return errs.ErrPollerClosed
	}
	if that.toTrigger.CompareAndSwap(0, 1) {
		if err := sys.Trigger(that.pollEvFd); err != nil {
			that.toTrigger.Store(0)
			return err
		}
	}
	return nil
}

// AddTask queues f to run on the polling goroutine at its next RunTasks.
func (that *Poller) AddTask(f iface.PollTaskFunc, arg iface.PollTaskArg) error {
	if that.closed.Load() {
		return errs.ErrPollerClosed
	}
	that.tasks.Enqueue(getTask(f, arg))
	return that.Wake()
}

// AddPriorTask is AddTask for tasks that run before every ordinary task.
func (that *Poller) AddPriorTask(f iface.PollTaskFunc, arg iface.PollTaskArg) error {
	if that.closed.Load() {
		return errs.ErrPollerClosed
	}
	that.priorTasks.Enqueue(getTask(f, arg))
	return that.Wake()
}

// RunTasks drains the priority queue and up to iface.MaxTasks ordinary
// tasks. Only errs.ErrEngineShutdown is returned, other task errors are
// logged.
func (that *Poller) RunTasks() error {
	for {
		t, ok := that.priorTasks.Dequeue()
		if !ok {
			break
		}
		if err := that.runTask(t); err != nil {
			return err
		}
	}
	for i := 0; i < iface.MaxTasks; i++ {
		t, ok := that.tasks.Dequeue()
		if !ok {
			break
		}
		if err := that.runTask(t); err != nil {
			return err
		}
	}
	if !that.tasks.IsEmpty() || !that.priorTasks.IsEmpty() {
		_ = that.Wake()
	}
	return nil
}

func (that *Poller) runTask(t *task) error {
	err := t.run(t.arg)
	putTask(t)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrEngineShutdown):
		return err
	default:
		logger.Warningf("error occurs in user-defined function, %v", err)
		return nil
	}
}

// Len counts tracked registrations, cancelled ones included until the next Poll.
func (that *Poller) Len() int {
	that.mu.Lock()
	defer that.mu.Unlock()
	return len(that.regs)
}

// Registrations returns a snapshot of the valid registrations.
func (that *Poller) Registrations() []*Registration {
	that.mu.Lock()
	defer that.mu.Unlock()
	regs := make([]*Registration, 0, len(that.regs))
	for _, reg := range that.regs {
		if reg.IsValid() {
			regs = append(regs, reg)
		}
	}
	return regs
}

func (that *Poller) IsClosed() bool {
	return that.closed.Load()
}

// Close invalidates every registration, waits for a running Poll to return
// and releases the native descriptors. Closing twice is a no-op.
func (that *Poller) Close() error {
	if !that.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = sys.Trigger(that.pollEvFd)
	that.pollMu.Lock()
	defer that.pollMu.Unlock()

	that.mu.Lock()
	regs := make([]*Registration, 0, len(that.regs))
	for _, reg := range that.regs {
		regs = append(regs, reg)
	}
	that.regs = make(map[int]*Registration)
	that.cancelled = nil
	that.mu.Unlock()

	for _, reg := range regs {
		if reg.valid.CompareAndSwap(true, false) {
			reg.ch.DetachKey(reg)
		}
	}
	for _, q := range []*queue.Queue[*task]{that.priorTasks, that.tasks} {
		for t, ok := q.Dequeue(); ok; t, ok = q.Dequeue() {
			putTask(t)
		}
	}
	return sys.ClosePoll(that.pollFd, that.pollEvFd)
}
