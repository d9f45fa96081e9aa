package poll

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/socket"
	"github.com/moqsien/gkreactor/utils/errs"
)

func newPoller(t *testing.T) *Poller {
	t.Helper()
	p, err := Open()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newListener(t *testing.T) *socket.Listener {
	t.Helper()
	l, err := socket.Listen("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil)
	require.NoError(t, err)
	require.NoError(t, l.ConfigureBlocking(false))
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// pollUntil polls until every registration in want has been selected.
func pollUntil(t *testing.T, p *Poller, want ...*Registration) map[*Registration]iface.Ops {
	t.Helper()
	got := make(map[*Registration]iface.Ops)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sel, err := p.Poll(time.Second)
		require.NoError(t, err)
		for _, reg := range sel {
			got[reg] |= reg.ReadyOps()
		}
		done := true
		for _, reg := range want {
			if _, ok := got[reg]; !ok {
				done = false
			}
		}
		if done {
			return got
		}
	}
	t.Fatalf("poller did not select %d registrations", len(want))
	return nil
}

func TestRegister(t *testing.T) {
	p := newPoller(t)
	l := newListener(t)

	reg, err := p.Register(l, iface.OpAccept, "listener")
	require.NoError(t, err)
	assert.True(t, reg.IsValid())
	assert.Equal(t, iface.OpAccept, reg.Interest())
	assert.Equal(t, "listener", reg.Attachment())
	assert.Equal(t, l, reg.Channel())
	assert.Equal(t, 1, p.Len())

	again, err := p.Register(l, 0, "again")
	require.NoError(t, err)
	assert.Same(t, reg, again)
	assert.Equal(t, iface.Ops(0), reg.Interest())
	assert.Equal(t, "again", reg.Attachment())
	assert.Equal(t, 1, p.Len())
}

func TestRegisterRejects(t *testing.T) {
	p := newPoller(t)

	s, err := socket.OpenStream("tcp")
	require.NoError(t, err)
	defer s.Close()
	_, err = p.Register(s, iface.OpRead, nil)
	assert.ErrorIs(t, err, errs.ErrIllegalBlockingMode)
	assert.ErrorIs(t, err, errs.ErrIllegalState)

	require.NoError(t, s.ConfigureBlocking(false))
	_, err = p.Register(s, iface.OpAccept, nil)
	assert.ErrorIs(t, err, errs.ErrUnsupportedOp)

	l := newListener(t)
	_, err = p.Register(l, iface.OpRead, nil)
	assert.ErrorIs(t, err, errs.ErrUnsupportedOp)

	d, err := socket.OpenDatagram("udp")
	require.NoError(t, err)
	require.NoError(t, d.ConfigureBlocking(false))
	_, err = p.Register(d, iface.OpConnect, nil)
	assert.ErrorIs(t, err, errs.ErrUnsupportedOp)
	require.NoError(t, d.Close())
	_, err = p.Register(d, iface.OpRead, nil)
	assert.ErrorIs(t, err, errs.ErrChannelClosed)

	other := newPoller(t)
	_, err = p.Register(s, iface.OpRead, nil)
	require.NoError(t, err)
	_, err = other.Register(s, iface.OpRead, nil)
	assert.ErrorIs(t, err, errs.ErrIllegalState)

	assert.ErrorIs(t, s.ConfigureBlocking(true), errs.ErrIllegalBlockingMode)
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 0, other.Len())
}

func TestConnectAcceptScenario(t *testing.T) {
	p := newPoller(t)
	l := newListener(t)
	lreg, err := p.Register(l, iface.OpAccept, nil)
	require.NoError(t, err)

	s, err := socket.OpenStream("tcp")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.ConfigureBlocking(false))
	sreg, err := p.Register(s, iface.OpConnect, nil)
	require.NoError(t, err)

	_, err = s.Connect(l.LocalAddr())
	require.NoError(t, err)

	got := pollUntil(t, p, lreg, sreg)
	assert.Len(t, got, 2)
	assert.Equal(t, iface.OpAccept, got[lreg])
	assert.Equal(t, iface.OpConnect, got[sreg])

	accepted, err := l.Accept()
	require.NoError(t, err)
	require.NotNil(t, accepted)
	defer accepted.Close()

	ok, err := s.FinishConnect()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDatagramScenario(t *testing.T) {
	p := newPoller(t)
	d, err := socket.ListenDatagram("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil)
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.ConfigureBlocking(false))
	reg, err := p.Register(d, iface.OpRead, nil)
	require.NoError(t, err)

	sender, err := socket.ListenDatagram("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil)
	require.NoError(t, err)
	defer sender.Close()
	_, err = sender.Send([]byte("ping"), d.LocalAddr())
	require.NoError(t, err)

	got := pollUntil(t, p, reg)
	assert.Equal(t, iface.OpRead, got[reg])
	assert.True(t, reg.IsReadable())

	buf := make([]byte, 16)
	n, from, err := d.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.Equal(t, sender.LocalAddr().String(), from.String())
}

func TestWakeCoalesced(t *testing.T) {
	p := newPoller(t)
	require.NoError(t, p.Wake())
	require.NoError(t, p.Wake())

	start := time.Now()
	sel, err := p.Poll(5 * time.Second)
	require.NoError(t, err)
	assert.Empty(t, sel)
	assert.Less(t, time.Since(start), time.Second)

	start = time.Now()
	sel, err = p.Poll(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, sel)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestWakeUnblocksPoll(t *testing.T) {
	p := newPoller(t)
	done := make(chan error, 1)
	go func() {
		_, err := p.Poll(Forever)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Wake())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poll was not woken")
	}
}

func TestCancelIsLazy(t *testing.T) {
	p := newPoller(t)
	d, err := socket.ListenDatagram("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil)
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.ConfigureBlocking(false))
	reg, err := p.Register(d, iface.OpWrite, nil)
	require.NoError(t, err)

	reg.Cancel()
	reg.Cancel()
	assert.False(t, reg.IsValid())
	assert.Nil(t, d.Key())
	assert.Equal(t, 1, p.Len())
	assert.Empty(t, p.Registrations())
	assert.ErrorIs(t, reg.SetInterest(iface.OpRead), errs.ErrCancelledKey)

	sel, err := p.PollNow()
	require.NoError(t, err)
	assert.Empty(t, sel)
	assert.Equal(t, 0, p.Len())

	// the channel can be registered again
	reg2, err := p.Register(d, iface.OpWrite, nil)
	require.NoError(t, err)
	assert.NotSame(t, reg, reg2)
}

func TestCloseChannelCancels(t *testing.T) {
	p := newPoller(t)
	l := newListener(t)
	reg, err := p.Register(l, iface.OpAccept, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.False(t, reg.IsValid())

	sel, err := p.PollNow()
	require.NoError(t, err)
	assert.Empty(t, sel)
	assert.Equal(t, 0, p.Len())
}

func TestInterestChange(t *testing.T) {
	p := newPoller(t)
	d, err := socket.ListenDatagram("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil)
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.ConfigureBlocking(false))
	reg, err := p.Register(d, iface.OpWrite, nil)
	require.NoError(t, err)

	got := pollUntil(t, p, reg)
	assert.Equal(t, iface.OpWrite, got[reg])

	require.NoError(t, reg.RemoveInterest(iface.OpWrite))
	sel, err := p.PollNow()
	require.NoError(t, err)
	assert.Empty(t, sel)

	require.NoError(t, reg.AddInterest(iface.OpRead|iface.OpWrite))
	assert.Equal(t, iface.OpRead|iface.OpWrite, reg.Interest())
	assert.ErrorIs(t, reg.SetInterest(iface.OpAccept), errs.ErrUnsupportedOp)
}

func TestClose(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	l := newListener(t)
	reg, err := p.Register(l, iface.OpAccept, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Poll(Forever)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errs.ErrPollerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not return on close")
	}
	assert.False(t, reg.IsValid())
	assert.Nil(t, l.Key())
	_, err = p.Poll(0)
	assert.ErrorIs(t, err, errs.ErrPollerClosed)
	_, err = p.Register(l, iface.OpAccept, nil)
	assert.ErrorIs(t, err, errs.ErrPollerClosed)
	assert.ErrorIs(t, p.Wake(), errs.ErrPollerClosed)
}

func TestTasks(t *testing.T) {
	p := newPoller(t)
	var order []string
	require.NoError(t, p.AddTask(func(arg iface.PollTaskArg) error {
		order = append(order, arg.(string))
		return errors.New("ignored")
	}, "task"))
	require.NoError(t, p.AddPriorTask(func(arg iface.PollTaskArg) error {
		order = append(order, arg.(string))
		return nil
	}, "prior"))

	start := time.Now()
	_, err := p.Poll(5 * time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, p.RunTasks())
	assert.Equal(t, []string{"prior", "task"}, order)

	var ran atomic.Int32
	require.NoError(t, p.AddTask(func(iface.PollTaskArg) error {
		ran.Add(1)
		return errs.ErrEngineShutdown
	}, nil))
	assert.ErrorIs(t, p.RunTasks(), errs.ErrEngineShutdown)
	assert.Equal(t, int32(1), ran.Load())
}

func TestRunTasksBounded(t *testing.T) {
	p := newPoller(t)
	var ran int
	for i := 0; i < iface.MaxTasks+10; i++ {
		require.NoError(t, p.AddTask(func(iface.PollTaskArg) error {
			ran++
			return nil
		}, nil))
	}
	require.NoError(t, p.RunTasks())
	assert.Equal(t, iface.MaxTasks, ran)
	require.NoError(t, p.RunTasks())
	assert.Equal(t, iface.MaxTasks+10, ran)
}
