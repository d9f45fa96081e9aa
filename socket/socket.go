// Package socket implements the selectable channels driven by the poller: a
// TCP Listener, a TCP Stream and a UDP Datagram socket. Channels start in
// blocking mode and must be switched to non-blocking before registration.
package socket

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/sys"
	"github.com/moqsien/gkreactor/utils"
	"github.com/moqsien/gkreactor/utils/errs"
)

type state uint8

const (
	stateUnbound state = iota
	stateBound
	stateConnecting
	stateConnected
	stateClosed
)

// Channel is the closed set of channel variants: *Listener, *Stream and *Datagram.
type Channel interface {
	iface.Selectable
	LocalAddr() net.Addr
	ConfigureBlocking(block bool) error
	Close() error
	base() *channel
}

type channel struct {
	mu       sync.Mutex
	fd       int
	kind     iface.Kind
	family   int
	blocking bool
	state    state
	local    net.Addr
	remote   net.Addr
	key      iface.Key
}

func (that *channel) open(network string, kind iface.Kind) error {
	family, sotype, err := resolveNetwork(network, kind)
	if err != nil {
		return err
	}
	fd, err := sys.Socket(family, sotype)
	if err != nil {
		if sys.IsExhausted(err) {
			return fmt.Errorf("%w: %w", errs.ErrResourceExhausted, err)
		}
		return err
	}
	if family == unix.AF_INET6 {
		if err = sys.SetIPv6Only(fd, true); err != nil {
			_ = sys.CloseFd(fd)
			return err
		}
	}
	that.fd, that.kind, that.family, that.blocking = fd, kind, family, true
	return nil
}

func (that *channel) base() *channel { return that }

func (that *channel) GetFd() int {
	that.mu.Lock()
	defer that.mu.Unlock()
	return that.fd
}

func (that *channel) Kind() iface.Kind { return that.kind }

func (that *channel) ValidOps() iface.Ops { return that.kind.ValidOps() }

func (that *channel) IsOpen() bool {
	that.mu.Lock()
	defer that.mu.Unlock()
	return that.state != stateClosed
}

func (that *channel) IsBlocking() bool {
	that.mu.Lock()
	defer that.mu.Unlock()
	return that.blocking
}

// LocalAddr is nil until the channel is bound and again after it is closed.
func (that *channel) LocalAddr() net.Addr {
	that.mu.Lock()
	defer that.mu.Unlock()
	return that.local
}

func (that *channel) Key() iface.Key {
	that.mu.Lock()
	defer that.mu.Unlock()
	return that.key
}

func (that *channel) AttachKey(k iface.Key) error {
	that.mu.Lock()
	defer that.mu.Unlock()
	if that.state == stateClosed {
		return errs.ErrChannelClosed
	}
	if that.key != nil && that.key != k && that.key.IsValid() {
		return fmt.Errorf("%w: channel is registered with another poller", errs.ErrIllegalState)
	}
	that.key = k
	return nil
}

func (that *channel) DetachKey(k iface.Key) {
	that.mu.Lock()
	if that.key == k {
		that.key = nil
	}
	that.mu.Unlock()
}

// ConfigureBlocking switches the blocking mode. Going back to blocking mode
// while a registration is live fails with errs.ErrIllegalBlockingMode.
func (that *channel) ConfigureBlocking(block bool) error {
	that.mu.Lock()
	defer that.mu.Unlock()
	if that.state == stateClosed {
		return errs.ErrChannelClosed
	}
	if that.blocking == block {
		return nil
	}
	if block && that.key != nil && that.key.IsValid() {
		return errs.ErrIllegalBlockingMode
	}
	if err := sys.SetNonblock(that.fd, !block); err != nil {
		return err
	}
	that.blocking = block
	return nil
}

func (that *channel) SetReadBuffer(size int) error {
	fd, err := that.openFd()
	if err != nil {
		return err
	}
	return sys.SetRecvBuffer(fd, size)
}

func (that *channel) SetWriteBuffer(size int) error {
	fd, err := that.openFd()
	if err != nil {
		return err
	}
	return sys.SetSendBuffer(fd, size)
}

// Close cancels the live registration before releasing the descriptor so the
// poller never sees a recycled descriptor number. Closing twice is a no-op.
func (that *channel) Close() error {
	that.mu.Lock()
	if that.state == stateClosed {
		that.mu.Unlock()
		return nil
	}
	fd, key := that.fd, that.key
	that.state, that.fd = stateClosed, -1
	that.local, that.remote = nil, nil
	that.mu.Unlock()

	if key != nil {
		key.Cancel()
	}
	return utils.SysError("close", sys.CloseFd(fd))
}

func (that *channel) NativeInterest(ops iface.Ops) (events uint32) {
	that.mu.Lock()
	defer that.mu.Unlock()
	switch that.kind {
	case iface.KindListener:
		if ops&iface.OpAccept != 0 {
			events |= sys.EventRead
		}
	case iface.KindStream:
		switch that.state {
		case stateConnecting:
			if ops&iface.OpConnect != 0 {
				events |= sys.EventWrite
			}
		case stateConnected:
			if ops&iface.OpRead != 0 {
				events |= sys.EventRead
			}
			if ops&(iface.OpWrite|iface.OpConnect) != 0 {
				events |= sys.EventWrite
			}
		}
	case iface.KindDatagram:
		if ops&iface.OpRead != 0 {
			events |= sys.EventRead
		}
		if ops&iface.OpWrite != 0 {
			events |= sys.EventWrite
		}
	}
	return
}

// TranslateReady reports errors and hang-ups as every interested op so the
// handler runs and observes the failure on its next syscall. A connected
// stream that still asks for iface.OpConnect keeps getting it until the
// interest is replaced.
func (that *channel) TranslateReady(events uint32, interest iface.Ops) (ready iface.Ops) {
	if events&(sys.EventError|sys.EventHup) != 0 {
		events |= sys.EventRead | sys.EventWrite
	}
	that.mu.Lock()
	defer that.mu.Unlock()
	switch that.kind {
	case iface.KindListener:
		if events&sys.EventRead != 0 {
			ready |= iface.OpAccept
		}
	case iface.KindStream:
		switch that.state {
		case stateConnecting:
			if events&sys.EventWrite != 0 {
				ready |= iface.OpConnect
			}
		case stateConnected:
			if events&sys.EventRead != 0 {
				ready |= iface.OpRead
			}
			if events&sys.EventWrite != 0 {
				ready |= iface.OpWrite | iface.OpConnect
			}
		}
	case iface.KindDatagram:
		if events&sys.EventRead != 0 {
			ready |= iface.OpRead
		}
		if events&sys.EventWrite != 0 {
			ready |= iface.OpWrite
		}
	}
	return ready & interest
}

func (that *channel) openFd() (int, error) {
	that.mu.Lock()
	defer that.mu.Unlock()
	if that.state == stateClosed {
		return -1, errs.ErrChannelClosed
	}
	return that.fd, nil
}

// refresh re-syncs the native interest after a state change, it must be
// called without holding mu.
func (that *channel) refresh() error {
	if key := that.Key(); key != nil && key.IsValid() {
		return key.Refresh()
	}
	return nil
}

// bindLocked binds fd to addr and records the local address, mu must be held.
func (that *channel) bindLocked(addr net.Addr) error {
	if that.state == stateClosed {
		return errs.ErrChannelClosed
	}
	if that.state != stateUnbound || that.local != nil {
		return errs.ErrAlreadyBound
	}
	sa, err := toSockaddr(that.family, addr)
	if err != nil {
		return err
	}
	if err = unix.Bind(that.fd, sa); err != nil {
		return utils.SysError("bind", err)
	}
	return that.updateLocalLocked()
}

func (that *channel) updateLocalLocked() error {
	sa, err := unix.Getsockname(that.fd)
	if err != nil {
		return utils.SysError("getsockname", err)
	}
	that.local = fromSockaddr(sa, that.kind)
	return nil
}
