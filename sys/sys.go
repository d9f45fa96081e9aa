//go:build linux || darwin

package sys

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkreactor/utils"
)

// Platform-neutral event bits understood by Update and reported by WaitPoll.
const (
	EventRead uint32 = 1 << iota
	EventWrite
	EventError
	EventHup
)

const (
	MaxPollSize         = 1024
	MinPollSize         = 32
	InitPollSize        = 128
	DefaultTCPKeepAlive = 15 // Seconds
)

const (
	EAGAIN       = unix.EAGAIN
	EINTR        = unix.EINTR
	EINPROGRESS  = unix.EINPROGRESS
	ECONNRESET   = unix.ECONNRESET
	ECONNABORTED = unix.ECONNABORTED
	ENOTCONN     = unix.ENOTCONN
	EMFILE       = unix.EMFILE
	ENFILE       = unix.ENFILE
	ENOBUFS      = unix.ENOBUFS
	ENOMEM       = unix.ENOMEM
)

// WaitCallback receives one ready descriptor with its translated event bits.
type WaitCallback func(fd int, events uint32)

// IsExhausted reports whether err means the OS ran out of descriptors or memory.
func IsExhausted(err error) bool {
	return errors.Is(err, EMFILE) || errors.Is(err, ENFILE) ||
		errors.Is(err, ENOBUFS) || errors.Is(err, ENOMEM)
}

func CloseFd(fd int) error {
	return unix.Close(fd)
}

// remaining converts what is left until deadline into an epoll/kevent timeout.
func remaining(deadline time.Time) int {
	d := time.Until(deadline)
	if d <= 0 {
		return 0
	}
	return DurationToMsec(d)
}

// DurationToMsec rounds d up to whole milliseconds, negative means infinite.
func DurationToMsec(d time.Duration) int {
	if d < 0 {
		return -1
	}
	msec := int(d / time.Millisecond)
	if d%time.Millisecond != 0 {
		msec++
	}
	return msec
}

var _zero uintptr

func bytes2iovec(bs [][]byte) []unix.Iovec {
	iovecs := make([]unix.Iovec, len(bs))
	for i, b := range bs {
		iovecs[i].SetLen(len(b))
		if len(b) > 0 {
			iovecs[i].Base = &b[0]
		} else {
			iovecs[i].Base = (*byte)(unsafe.Pointer(&_zero))
		}
	}
	return iovecs
}

func writev(fd int, iovs []unix.Iovec) (n int, err error) {
	var _p0 unsafe.Pointer
	if len(iovs) > 0 {
		_p0 = unsafe.Pointer(&iovs[0])
	} else {
		_p0 = unsafe.Pointer(&_zero)
	}
	r0, _, e1 := unix.Syscall(unix.SYS_WRITEV, uintptr(fd), uintptr(_p0), uintptr(len(iovs)))
	n = int(r0)
	if e1 != 0 {
		return -1, e1
	}
	return
}

func readv(fd int, iovs []unix.Iovec) (n int, err error) {
	var _p0 unsafe.Pointer
	if len(iovs) > 0 {
		_p0 = unsafe.Pointer(&iovs[0])
	} else {
		_p0 = unsafe.Pointer(&_zero)
	}
	r0, _, e1 := unix.Syscall(unix.SYS_READV, uintptr(fd), uintptr(_p0), uintptr(len(iovs)))
	n = int(r0)
	if e1 != 0 {
		return -1, e1
	}
	return
}

func Writev(fd int, iovs [][]byte) (n int, err error) {
	return writev(fd, bytes2iovec(iovs))
}

func Readv(fd int, iovs [][]byte) (n int, err error) {
	return readv(fd, bytes2iovec(iovs))
}

func Write(fd int, p []byte) (n int, err error) {
	return unix.Write(fd, p)
}

func Read(fd int, p []byte) (n int, err error) {
	return unix.Read(fd, p)
}

// Socket opens a blocking, close-on-exec socket.
func Socket(family, sotype int) (fd int, err error) {
	fd, err = unix.Socket(family, sotype, 0)
	if err != nil {
		return -1, utils.SysError("socket", err)
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

// Accept returns a close-on-exec descriptor in blocking mode regardless of
// whether the platform lets the listener's O_NONBLOCK leak into it.
func Accept(fd int) (nfd int, sa unix.Sockaddr, err error) {
	for {
		nfd, sa, err = unix.Accept(fd)
		if err == EINTR || err == ECONNABORTED {
			continue
		}
		break
	}
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(nfd)
	if err = unix.SetNonblock(nfd, false); err != nil {
		_ = unix.Close(nfd)
		return -1, nil, utils.SysError("setnonblock", err)
	}
	return nfd, sa, nil
}

func SetNonblock(fd int, nonblocking bool) error {
	return utils.SysError("setnonblock", unix.SetNonblock(fd, nonblocking))
}

func SetsockoptInt(fd, level, opt, value int) error {
	return utils.SysError("setsockopt", unix.SetsockoptInt(fd, level, opt, value))
}

func SetReuseAddr(fd int, on bool) error {
	return SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolint(on))
}

func SetReusePort(fd int, on bool) error {
	return SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolint(on))
}

func SetRecvBuffer(fd, size int) error {
	return SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size)
}

func SetSendBuffer(fd, size int) error {
	return SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size)
}

func SetNoDelay(fd int, on bool) error {
	return SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolint(on))
}

func SetIPv6Only(fd int, on bool) error {
	return SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, boolint(on))
}

// SocketError returns the pending error of fd, used to finish a connect.
func SocketError(fd int) (unix.Errno, error) {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return 0, utils.SysError("getsockopt", err)
	}
	return unix.Errno(v), nil
}

// WaitWritable blocks until fd is writable, used by blocking-mode connects.
func WaitWritable(fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == EINTR {
			continue
		}
		return utils.SysError("poll", err)
	}
}

func boolint(b bool) int {
	if b {
		return 1
	}
	return 0
}
