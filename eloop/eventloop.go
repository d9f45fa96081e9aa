package eloop

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moqsien/processes/logger"

	"github.com/moqsien/gkreactor/conn"
	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/poll"
	"github.com/moqsien/gkreactor/socket"
	"github.com/moqsien/gkreactor/utils/errs"
)

type Eloop struct {
	Index     int                     // index of worker loop
	Poller    *poll.Poller            // poller
	ConnCount atomic.Int32            // number of connections
	ConnList  map[*conn.Conn]struct{} // list of connections
	Listeners []*socket.Listener      // listeners accepting on this loop
	Packets   []*conn.PacketConn      // datagram sockets read by this loop
	Handler   EventHandler            // Handler for events
	Balancer  iface.IBalancer         // load balancer, nil keeps accepted streams here
	Options   *iface.Options          // options
	buffer    []byte                  // read buffer shared by every connection
	running   atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
}

// New creates a loop with its own poller. lb may be nil.
func New(index int, h EventHandler, opts *iface.Options, lb iface.IBalancer) (*Eloop, error) {
	if opts == nil {
		opts = &iface.Options{}
	}
	opts.Normalize()
	if h == nil {
		h = BuiltinEventHandler{}
	}
	p, err := poll.Open()
	if err != nil {
		return nil, err
	}
	return &Eloop{
		Index:    index,
		Poller:   p,
		ConnList: make(map[*conn.Conn]struct{}),
		Handler:  h,
		Balancer: lb,
		Options:  opts,
		done:     make(chan struct{}),
	}, nil
}

func (that *Eloop) GetIndex() int {
	return that.Index
}

func (that *Eloop) GetConnCount() int32 {
	return that.ConnCount.Load()
}

func (that *Eloop) GetPoller() iface.IPoller {
	return that.Poller
}

func (that *Eloop) Stat() iface.LoopStat {
	return iface.LoopStat{
		Index:         that.Index,
		Connections:   that.GetConnCount(),
		Registrations: that.Poller.Len(),
	}
}

// Done is closed once the loop has released everything it owns.
func (that *Eloop) Done() <-chan struct{} {
	return that.done
}

func (that *Eloop) IsRunning() bool {
	return that.running.Load()
}

// AddListener registers l for accepts on this loop, which then owns it.
func (that *Eloop) AddListener(l *socket.Listener) error {
	if err := l.ConfigureBlocking(false); err != nil {
		return err
	}
	if _, err := that.Poller.Register(l, iface.OpAccept, l); err != nil {
		return err
	}
	that.Listeners = append(that.Listeners, l)
	return nil
}

// AddDatagram registers d for reads on this loop, which then owns it.
func (that *Eloop) AddDatagram(d *socket.Datagram) (*conn.PacketConn, error) {
	if err := d.ConfigureBlocking(false); err != nil {
		return nil, err
	}
	pc := conn.NewPacketConn(d, that.Poller, that.Handler, that.Options.MaxPacketsPerCycle)
	if err := pc.Register(); err != nil {
		return nil, err
	}
	that.Packets = append(that.Packets, pc)
	return pc, nil
}

// RegisterConn takes over an accepted stream. It runs on the loop goroutine,
// other loops hand streams over with AddPriorTask.
func (that *Eloop) RegisterConn(arg iface.PollTaskArg) error {
	s := arg.(*socket.Stream)
	c, err := conn.NewConn(s, that.Poller, that.Handler, that.Options.WriteBuffer, that.removeConn)
	if err == nil {
		err = c.Register(iface.OpRead)
	}
	if err != nil {
		_ = s.Close()
		return err
	}
	that.addConn(c)
	return c.Open()
}

// Dial connects to addr from this loop. The returned connection is not
// usable before OnOpen fires, a failed connect fires OnClose with the error.
func (that *Eloop) Dial(network string, addr net.Addr, ctx interface{}) (*conn.Conn, error) {
	s, err := socket.OpenStream(network)
	if err != nil {
		return nil, err
	}
	if err = that.setupStream(s); err != nil {
		_ = s.Close()
		return nil, err
	}
	c, err := conn.NewConn(s, that.Poller, that.Handler, that.Options.WriteBuffer, that.removeConn)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	c.Ctx = ctx
	err = that.Poller.AddTask(func(iface.PollTaskArg) error {
		that.addConn(c)
		if err := c.Connect(addr); err != nil {
			_ = c.Close(err)
			return err
		}
		return nil
	}, nil)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return c, nil
}

// Execute runs fn on the loop goroutine.
func (that *Eloop) Execute(fn func() error) error {
	return that.Poller.AddTask(func(iface.PollTaskArg) error {
		return fn()
	}, nil)
}

// Stop makes Run close everything the loop owns and return.
func (that *Eloop) Stop() error {
	return that.Poller.AddPriorTask(func(iface.PollTaskArg) error {
		return errs.ErrEngineShutdown
	}, nil)
}

// Close releases a loop that is not running, use Stop otherwise.
func (that *Eloop) Close() error {
	if that.running.Load() {
		return fmt.Errorf("%w: loop %d is running", errs.ErrIllegalState, that.Index)
	}
	that.closeAll()
	return nil
}

func (that *Eloop) addConn(c *conn.Conn) {
	that.ConnList[c] = struct{}{}
	that.ConnCount.Add(1)
}

func (that *Eloop) removeConn(c *conn.Conn) {
	if _, ok := that.ConnList[c]; ok {
		delete(that.ConnList, c)
		that.ConnCount.Add(-1)
	}
}

func (that *Eloop) setupStream(s *socket.Stream) (err error) {
	opts := that.Options
	if err = s.ConfigureBlocking(false); err != nil {
		return
	}
	if opts.TCPNoDelay {
		if err = s.SetNoDelay(true); err != nil {
			return
		}
	}
	if secs := int(opts.ConnKeepAlive / time.Second); secs > 0 {
		if err = s.SetKeepAlive(secs); err != nil {
			return
		}
	}
	if opts.SocketReadBuffer > 0 {
		if err = s.SetReadBuffer(opts.SocketReadBuffer); err != nil {
			return
		}
	}
	if opts.SocketWriteBuffer > 0 {
		err = s.SetWriteBuffer(opts.SocketWriteBuffer)
	}
	return
}

// Run polls and dispatches until Stop, a handler returning
// errs.ErrEngineShutdown or a poller failure. Everything the loop owns is
// closed on return.
func (that *Eloop) Run() (err error) {
	if !that.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: loop %d is already running", errs.ErrIllegalState, that.Index)
	}
	if that.Options.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	that.buffer = conn.GetBuffer(that.Options.ReadBuffer)
	defer func() {
		that.closeAll()
		conn.PutBuffer(that.buffer)
		that.buffer = nil
		that.running.Store(false)
		if errors.Is(err, errs.ErrEngineShutdown) || errors.Is(err, errs.ErrPollerClosed) {
			err = nil
		}
	}()

	var sel []*poll.Registration
	for {
		if err = that.Poller.RunTasks(); err != nil {
			return
		}
		if sel, err = that.Poller.Poll(that.Options.PollTimeout); err != nil {
			return
		}
		for _, reg := range sel {
			if !reg.IsValid() {
				continue
			}
			if err = that.dispatch(reg); err == nil {
				continue
			}
			if errors.Is(err, errs.ErrEngineShutdown) {
				return
			}
			logger.Warningf("error occurs in event loop %d, %v", that.Index, err)
		}
		err = nil
	}
}

func (that *Eloop) closeAll() {
	for c := range that.ConnList {
		_ = c.Close(errs.ErrEngineShutdown)
	}
	for _, l := range that.Listeners {
		_ = l.Close()
	}
	for _, pc := range that.Packets {
		_ = pc.Close()
	}
	that.Listeners, that.Packets = nil, nil
	if err := that.Poller.Close(); err != nil {
		logger.Errorf("failed to close poller of loop %d: %v", that.Index, err)
	}
	that.doneOnce.Do(func() { close(that.done) })
}
