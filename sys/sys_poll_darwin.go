//go:build darwin

package sys

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkreactor/utils"
)

const (
	kSysAdd = "kevent_add"
	kSysDel = "kevent_del"
)

// EventList is the reusable buffer handed to kevent.
type EventList struct {
	size   int
	events []unix.Kevent_t
}

func NewEventList() *EventList {
	return &EventList{size: InitPollSize, events: make([]unix.Kevent_t, InitPollSize)}
}

func (that *EventList) adjust(n int) {
	if n == that.size {
		if newSize := that.size << 1; newSize <= MaxPollSize {
			that.size = newSize
			that.events = make([]unix.Kevent_t, newSize)
		}
	} else if n < that.size>>1 {
		if newSize := that.size >> 1; newSize >= MinPollSize {
			that.size = newSize
			that.events = make([]unix.Kevent_t, newSize)
		}
	}
}

func (that *EventList) Size() int {
	return that.size
}

// Update adds or deletes the read and write filters of fd so that they match new.
func Update(pollFd, fd int, old, new uint32) error {
	var changes []unix.Kevent_t
	if (old^new)&EventRead != 0 {
		var ev unix.Kevent_t
		if new&EventRead != 0 {
			unix.SetKevent(&ev, fd, unix.EVFILT_READ, unix.EV_ADD)
		} else {
			unix.SetKevent(&ev, fd, unix.EVFILT_READ, unix.EV_DELETE)
		}
		changes = append(changes, ev)
	}
	if (old^new)&EventWrite != 0 {
		var ev unix.Kevent_t
		if new&EventWrite != 0 {
			unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, unix.EV_ADD)
		} else {
			unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, unix.EV_DELETE)
		}
		changes = append(changes, ev)
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(pollFd, changes, nil, nil)
	if new == 0 {
		return utils.SysError(kSysDel, err)
	}
	return utils.SysError(kSysAdd, err)
}

// WaitPoll waits at most msec milliseconds (negative blocks) and reports every
// ready filter to w, one call per filter. EINTR is retried with the time left.
func WaitPoll(pollFd, _ int, el *EventList, msec int, w WaitCallback) (trigger bool, err error) {
	var deadline time.Time
	if msec > 0 {
		deadline = time.Now().Add(time.Duration(msec) * time.Millisecond)
	}
	var n int
	for {
		var tsp *unix.Timespec
		if msec >= 0 {
			ts := unix.NsecToTimespec(int64(msec) * int64(time.Millisecond))
			tsp = &ts
		}
		n, err = unix.Kevent(pollFd, nil, el.events, tsp)
		if err == unix.EINTR {
			if msec > 0 {
				msec = remaining(deadline)
			}
			continue
		}
		break
	}
	if err != nil {
		return false, utils.SysError("kevent_wait", err)
	}
	for i := 0; i < n; i++ {
		ev := &el.events[i]
		if ev.Filter == unix.EVFILT_USER {
			trigger = true
			continue
		}
		var evs uint32
		switch ev.Filter {
		case unix.EVFILT_READ:
			evs |= EventRead
		case unix.EVFILT_WRITE:
			evs |= EventWrite
		}
		if ev.Flags&unix.EV_EOF != 0 {
			evs |= EventHup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			evs |= EventError
		}
		w(int(ev.Ident), evs)
	}
	el.adjust(n)
	return
}

// Trigger wakes up a blocked WaitPoll through the EVFILT_USER filter.
func Trigger(pollFd int) error {
	_, err := unix.Kevent(pollFd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
	return utils.SysError("kevent_trigger", err)
}

// DrainTrigger is a no-op, the user event is registered with EV_CLEAR.
func DrainTrigger(int) {}

// CreatePoll returns the kqueue as both descriptors, wake-ups travel over an
// EVFILT_USER filter on the same queue.
func CreatePoll() (pollFd, pollEvFd int, err error) {
	pollFd, err = unix.Kqueue()
	if err != nil {
		return -1, -1, utils.SysError("kqueue", err)
	}
	unix.CloseOnExec(pollFd)
	_, err = unix.Kevent(pollFd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		_ = unix.Close(pollFd)
		return -1, -1, utils.SysError("kqueue_eventfd", err)
	}
	return pollFd, pollFd, nil
}

func ClosePoll(pollFd, pollEvFd int) error {
	err := utils.SysError("pollfd_close", unix.Close(pollFd))
	if pollEvFd >= 0 && pollEvFd != pollFd {
		if e := utils.SysError("pollEvFd_close", unix.Close(pollEvFd)); err == nil {
			err = e
		}
	}
	return err
}
