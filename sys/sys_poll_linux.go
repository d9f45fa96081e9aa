//go:build linux

package sys

import (
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkreactor/utils"
)

var ePool = &sync.Pool{New: func() any {
	return &unix.EpollEvent{}
}}

func eGet() *unix.EpollEvent {
	return ePool.Get().(*unix.EpollEvent)
}

func ePut(event *unix.EpollEvent) {
	ePool.Put(event)
}

const (
	ReadEvents      = unix.EPOLLPRI | unix.EPOLLIN
	WriteEvents     = unix.EPOLLOUT
	ReadWriteEvents = ReadEvents | WriteEvents
)

var (
	u uint64 = 1
	b        = (*(*[8]byte)(unsafe.Pointer(&u)))[:]
)

// EventList is the reusable buffer handed to epoll_wait, it grows when full
// and shrinks when mostly idle.
type EventList struct {
	size   int
	events []unix.EpollEvent
}

func NewEventList() *EventList {
	return &EventList{size: InitPollSize, events: make([]unix.EpollEvent, InitPollSize)}
}

func (that *EventList) adjust(n int) {
	if n == that.size {
		if newSize := that.size << 1; newSize <= MaxPollSize {
			that.size = newSize
			that.events = make([]unix.EpollEvent, newSize)
		}
	} else if n < that.size>>1 {
		if newSize := that.size >> 1; newSize >= MinPollSize {
			that.size = newSize
			that.events = make([]unix.EpollEvent, newSize)
		}
	}
}

func (that *EventList) Size() int {
	return that.size
}

func toEpoll(evs uint32) (events uint32) {
	if evs&EventRead != 0 {
		events |= ReadEvents
	}
	if evs&EventWrite != 0 {
		events |= WriteEvents
	}
	return
}

func fromEpoll(events uint32) (evs uint32) {
	if events&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		evs |= EventRead
	}
	if events&unix.EPOLLOUT != 0 {
		evs |= EventWrite
	}
	if events&unix.EPOLLERR != 0 {
		evs |= EventError
	}
	if events&unix.EPOLLHUP != 0 {
		evs |= EventHup
	}
	return
}

func epollFdHandler(pollFd, fd, ctlAction int, evs uint32) (err error) {
	var event *unix.EpollEvent
	if ctlAction != unix.EPOLL_CTL_DEL {
		event = eGet()
		defer ePut(event)
		event.Fd, event.Events = int32(fd), evs
	}
	err = unix.EpollCtl(pollFd, ctlAction, fd, event)
	var eSysName string
	switch ctlAction {
	case unix.EPOLL_CTL_ADD:
		eSysName = "epoll_ctl_add"
	case unix.EPOLL_CTL_MOD:
		eSysName = "epoll_ctl_mod"
	case unix.EPOLL_CTL_DEL:
		eSysName = "epoll_ctl_del"
	default:
	}
	return utils.SysError(eSysName, err)
}

// Update moves fd from the old to the new interest. An empty interest removes
// fd from the epoll set so that EPOLLHUP cannot spin the loop.
func Update(pollFd, fd int, old, new uint32) error {
	switch {
	case old == new:
		return nil
	case new == 0:
		return epollFdHandler(pollFd, fd, unix.EPOLL_CTL_DEL, 0)
	case old == 0:
		return epollFdHandler(pollFd, fd, unix.EPOLL_CTL_ADD, toEpoll(new))
	default:
		return epollFdHandler(pollFd, fd, unix.EPOLL_CTL_MOD, toEpoll(new))
	}
}

// WaitPoll waits at most msec milliseconds (negative blocks) and reports every
// ready descriptor to w. EINTR is retried with the time left. trigger reports
// that the wake-up eventfd fired.
func WaitPoll(pollFd, pollEvFd int, el *EventList, msec int, w WaitCallback) (trigger bool, err error) {
	var deadline time.Time
	if msec > 0 {
		deadline = time.Now().Add(time.Duration(msec) * time.Millisecond)
	}
	var n int
	for {
		n, err = unix.EpollWait(pollFd, el.events, msec)
		if err == unix.EINTR {
			if msec > 0 {
				msec = remaining(deadline)
			}
			continue
		}
		break
	}
	if err != nil {
		return false, utils.SysError("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		ev := &el.events[i]
		fd := int(ev.Fd)
		if fd == pollEvFd {
			trigger = true
			continue
		}
		w(fd, fromEpoll(ev.Events))
	}
	el.adjust(n)
	return
}

// Trigger wakes up a blocked WaitPoll.
func Trigger(pollEvFd int) error {
	if _, err := unix.Write(pollEvFd, b); err != nil && err != unix.EAGAIN {
		return utils.SysError("eventfd_write", err)
	}
	return nil
}

// DrainTrigger consumes pending wake-ups.
func DrainTrigger(pollEvFd int) {
	var buf [8]byte
	_, _ = unix.Read(pollEvFd, buf[:])
}

func CreatePoll() (pollFd, pollEvFd int, err error) {
	pollFd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		err = utils.SysError("epoll_create1", err)
		return -1, -1, err
	}
	pollEvFd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(pollFd)
		err = utils.SysError("eventfd", err)
		return -1, -1, err
	}
	if err = epollFdHandler(pollFd, pollEvFd, unix.EPOLL_CTL_ADD, ReadEvents); err != nil {
		_ = unix.Close(pollFd)
		_ = unix.Close(pollEvFd)
		return -1, -1, err
	}
	return
}

func ClosePoll(pollFd, pollEvFd int) error {
	err := utils.SysError("pollfd_close", unix.Close(pollFd))
	if pollEvFd >= 0 {
		if e := utils.SysError("pollEvFd_close", unix.Close(pollEvFd)); err == nil {
			err = e
		}
	}
	return err
}
