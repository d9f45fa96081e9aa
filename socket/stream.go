package socket

import (
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/sys"
	"github.com/moqsien/gkreactor/utils"
	"github.com/moqsien/gkreactor/utils/errs"
)

// Stream is a TCP connection, either opened locally and connected with
// Connect or produced by Listener.Accept.
type Stream struct {
	channel
	pending net.Addr
}

// OpenStream opens an unconnected stream in blocking mode.
func OpenStream(network string) (*Stream, error) {
	s := &Stream{}
	if err := s.open(network, iface.KindStream); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect starts connecting to addr. In blocking mode it returns once the
// connection is established. In non-blocking mode it may return false, the
// caller then waits for iface.OpConnect and calls FinishConnect.
func (that *Stream) Connect(addr net.Addr) (bool, error) {
	if addr == nil {
		return false, fmt.Errorf("%w: nil remote address", errs.ErrUnsupportedAddr)
	}
	that.mu.Lock()
	switch that.state {
	case stateClosed:
		that.mu.Unlock()
		return false, errs.ErrChannelClosed
	case stateConnected:
		that.mu.Unlock()
		return false, errs.ErrAlreadyConnected
	case stateConnecting:
		that.mu.Unlock()
		return false, errs.ErrConnectionPending
	}
	sa, err := toSockaddr(that.family, addr)
	if err != nil {
		that.mu.Unlock()
		return false, err
	}
	fd, blocking := that.fd, that.blocking
	that.state, that.pending = stateConnecting, addr
	that.mu.Unlock()

	switch err = unix.Connect(fd, sa); err {
	case nil:
		return true, that.complete()
	case unix.EINPROGRESS, unix.EINTR, unix.EALREADY:
		if blocking {
			return that.FinishConnect()
		}
		return false, that.refresh()
	default:
		that.fail()
		return false, fmt.Errorf("%w: %w", errs.ErrConnectFailed, utils.SysError("connect", err))
	}
}

// FinishConnect completes a pending connect. It returns false while the
// connection is still in progress and errs.ErrConnectFailed when the peer
// refused or reset it.
func (that *Stream) FinishConnect() (bool, error) {
	that.mu.Lock()
	switch that.state {
	case stateClosed:
		that.mu.Unlock()
		return false, errs.ErrChannelClosed
	case stateConnected:
		that.mu.Unlock()
		return true, nil
	case stateConnecting:
	default:
		that.mu.Unlock()
		return false, errs.ErrNoConnectionPending
	}
	fd, blocking := that.fd, that.blocking
	that.mu.Unlock()

	if blocking {
		if err := sys.WaitWritable(fd); err != nil {
			return false, err
		}
	}
	soerr, err := sys.SocketError(fd)
	if err != nil {
		return false, err
	}
	switch soerr {
	case 0:
		if _, err = unix.Getpeername(fd); err == unix.ENOTCONN {
			return false, nil
		}
		return true, that.complete()
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return false, nil
	default:
		that.fail()
		return false, fmt.Errorf("%w: %w", errs.ErrConnectFailed, utils.SysError("connect", soerr))
	}
}

func (that *Stream) complete() error {
	that.mu.Lock()
	if that.state != stateConnecting {
		that.mu.Unlock()
		return nil
	}
	that.state = stateConnected
	if sa, err := unix.Getpeername(that.fd); err == nil {
		that.remote = fromSockaddr(sa, iface.KindStream)
	} else {
		that.remote = that.pending
	}
	that.pending = nil
	err := that.updateLocalLocked()
	that.mu.Unlock()
	if err != nil {
		return err
	}
	return that.refresh()
}

func (that *Stream) fail() {
	that.mu.Lock()
	if that.state == stateConnecting {
		that.state, that.pending = stateUnbound, nil
	}
	that.mu.Unlock()
	_ = that.refresh()
}

func (that *Stream) connectedFd() (int, error) {
	that.mu.Lock()
	defer that.mu.Unlock()
	switch that.state {
	case stateClosed:
		return -1, errs.ErrChannelClosed
	case stateConnected:
		return that.fd, nil
	}
	return -1, errs.ErrNotConnected
}

// Read returns 0, nil when nothing is available in non-blocking mode and
// 0, io.EOF once the peer has shut down its side.
func (that *Stream) Read(p []byte) (int, error) {
	fd, err := that.connectedFd()
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := sys.Read(fd, p)
		switch {
		case err == sys.EINTR:
			continue
		case err == sys.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, utils.SysError("read", err)
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write may write less than len(p). It returns 0, nil when the socket buffer
// is full in non-blocking mode.
func (that *Stream) Write(p []byte) (int, error) {
	fd, err := that.connectedFd()
	if err != nil {
		return 0, err
	}
	for {
		n, err := sys.Write(fd, p)
		switch {
		case err == sys.EINTR:
			continue
		case err == sys.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, utils.SysError("write", err)
		}
		return n, nil
	}
}

// Writev is Write for a vector of buffers.
func (that *Stream) Writev(bs [][]byte) (int, error) {
	fd, err := that.connectedFd()
	if err != nil {
		return 0, err
	}
	if len(bs) > iface.IovMax {
		bs = bs[:iface.IovMax]
	}
	for {
		n, err := sys.Writev(fd, bs)
		switch {
		case err == sys.EINTR:
			continue
		case err == sys.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, utils.SysError("writev", err)
		}
		return n, nil
	}
}

// ShutdownOutput half-closes the stream, the peer reads EOF.
func (that *Stream) ShutdownOutput() error {
	fd, err := that.connectedFd()
	if err != nil {
		return err
	}
	return utils.SysError("shutdown", unix.Shutdown(fd, unix.SHUT_WR))
}

func (that *Stream) SetNoDelay(on bool) error {
	fd, err := that.openFd()
	if err != nil {
		return err
	}
	return sys.SetNoDelay(fd, on)
}

// RemoteAddr is nil until the connection is established.
func (that *Stream) RemoteAddr() net.Addr {
	that.mu.Lock()
	defer that.mu.Unlock()
	return that.remote
}

func (that *Stream) IsConnected() bool {
	that.mu.Lock()
	defer that.mu.Unlock()
	return that.state == stateConnected
}

func (that *Stream) IsConnectionPending() bool {
	that.mu.Lock()
	defer that.mu.Unlock()
	return that.state == stateConnecting
}
