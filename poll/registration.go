package poll

import (
	"fmt"
	"sync/atomic"

	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/sys"
	"github.com/moqsien/gkreactor/utils/errs"
)

// Registration binds one channel to one Poller. Interest and the ready set
// belong to the polling goroutine; IsValid and Cancel may be called from
// anywhere.
type Registration struct {
	poller     *Poller
	ch         iface.Selectable
	fd         int
	interest   iface.Ops
	ready      iface.Ops
	installed  uint32 // native interest currently in the kernel set
	attachment any
	valid      atomic.Bool
	cycle      uint64
}

var _ iface.Key = (*Registration)(nil)

func (that *Registration) Channel() iface.Selectable {
	return that.ch
}

func (that *Registration) Poller() *Poller {
	return that.poller
}

func (that *Registration) Interest() iface.Ops {
	return that.interest
}

// SetInterest replaces the interest set.
func (that *Registration) SetInterest(ops iface.Ops) error {
	if !that.valid.Load() {
		return errs.ErrCancelledKey
	}
	if invalid := ops &^ that.ch.ValidOps(); invalid != 0 {
		return fmt.Errorf("%w: %s on %s", errs.ErrUnsupportedOp, invalid, that.ch.Kind())
	}
	that.poller.mu.Lock()
	defer that.poller.mu.Unlock()
	that.interest = ops
	return that.refreshLocked()
}

func (that *Registration) AddInterest(ops iface.Ops) error {
	return that.SetInterest(that.interest | ops)
}

func (that *Registration) RemoveInterest(ops iface.Ops) error {
	return that.SetInterest(that.interest &^ ops)
}

// ReadyOps is the ready set computed by the last Poll that selected this
// registration.
func (that *Registration) ReadyOps() iface.Ops {
	return that.ready
}

func (that *Registration) IsAcceptable() bool {
	return that.ready.Has(iface.OpAccept)
}

func (that *Registration) IsConnectable() bool {
	return that.ready.Has(iface.OpConnect)
}

func (that *Registration) IsReadable() bool {
	return that.ready.Has(iface.OpRead)
}

func (that *Registration) IsWritable() bool {
	return that.ready.Has(iface.OpWrite)
}

func (that *Registration) Attachment() any {
	return that.attachment
}

// Attach replaces the attachment and returns the previous one.
func (that *Registration) Attach(v any) (old any) {
	old, that.attachment = that.attachment, v
	return
}

func (that *Registration) IsValid() bool {
	return that.valid.Load()
}

// Cancel invalidates the registration and removes its native interest at
// once. The poller forgets it on its next Poll. Cancelling twice is a no-op.
func (that *Registration) Cancel() {
	if !that.valid.CompareAndSwap(true, false) {
		return
	}
	p := that.poller
	p.mu.Lock()
	if !p.closed.Load() && that.installed != 0 {
		_ = sys.Update(p.pollFd, that.fd, that.installed, 0)
	}
	that.installed = 0
	p.cancelled = append(p.cancelled, that)
	p.mu.Unlock()
	that.ch.DetachKey(that)
}

// Refresh re-derives the native interest from the channel state.
func (that *Registration) Refresh() error {
	if !that.valid.Load() {
		return nil
	}
	that.poller.mu.Lock()
	defer that.poller.mu.Unlock()
	return that.refreshLocked()
}

func (that *Registration) refreshLocked() error {
	if that.poller.closed.Load() {
		return errs.ErrPollerClosed
	}
	native := that.ch.NativeInterest(that.interest)
	if native == that.installed {
		return nil
	}
	if err := sys.Update(that.poller.pollFd, that.fd, that.installed, native); err != nil {
		return err
	}
	that.installed = native
	return nil
}
