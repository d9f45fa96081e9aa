// Package engine runs a main loop accepting streams and the sub loops
// serving them on an ants goroutine pool.
package engine

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/moqsien/processes/logger"
	"github.com/panjf2000/ants/v2"

	"github.com/moqsien/gkreactor/balancer"
	"github.com/moqsien/gkreactor/conn"
	"github.com/moqsien/gkreactor/eloop"
	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/socket"
	"github.com/moqsien/gkreactor/utils/errs"
)

type Engine struct {
	Options   *iface.Options
	Handler   eloop.EventHandler
	Balancer  iface.IBalancer
	MainLoop  *eloop.Eloop
	SubLoops  []*eloop.Eloop
	IsClosing atomic.Bool
	pool      *ants.Pool
	started   atomic.Bool
	wg        sync.WaitGroup
	mu        sync.Mutex
	err       error
	once      sync.Once
}

// New builds the loops. With one loop the main loop serves the streams it
// accepts, otherwise it hands them over to Options.NumOfLoops sub loops
// picked by the balancer.
func New(h eloop.EventHandler, opts *iface.Options) (e *Engine, err error) {
	if opts == nil {
		opts = &iface.Options{}
	}
	opts.Normalize()
	e = &Engine{Options: opts, Handler: h}

	var lb iface.IBalancer
	if opts.NumOfLoops > 1 {
		lb = balancer.New(opts.LoadBalancer)
		for i := 1; i <= opts.NumOfLoops; i++ {
			var sub *eloop.Eloop
			if sub, err = eloop.New(i, h, opts, nil); err != nil {
				e.closeLoops()
				return nil, err
			}
			lb.Register(sub)
			e.SubLoops = append(e.SubLoops, sub)
		}
	}
	e.Balancer = lb
	if e.MainLoop, err = eloop.New(0, h, opts, lb); err != nil {
		e.closeLoops()
		return nil, err
	}
	if e.pool, err = ants.NewPool(len(e.SubLoops)+1, ants.WithNonblocking(true)); err != nil {
		e.closeLoops()
		return nil, err
	}
	return e, nil
}

func (that *Engine) loops() []*eloop.Eloop {
	loops := make([]*eloop.Eloop, 0, len(that.SubLoops)+1)
	if that.MainLoop != nil {
		loops = append(loops, that.MainLoop)
	}
	return append(loops, that.SubLoops...)
}

func (that *Engine) closeLoops() {
	for _, l := range that.loops() {
		_ = l.Close()
	}
}

// onLoop runs fn on the goroutine of l once it runs, directly before that.
func (that *Engine) onLoop(l *eloop.Eloop, fn func() error) error {
	if !that.started.Load() {
		return fn()
	}
	errc := make(chan error, 1)
	if err := l.Execute(func() error {
		errc <- fn()
		return nil
	}); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-l.Done():
		return errs.ErrEngineShutdown
	}
}

// AddListener binds a listener to addr and accepts on the main loop.
func (that *Engine) AddListener(network string, addr net.Addr) (*socket.Listener, error) {
	if that.IsClosing.Load() {
		return nil, errs.ErrEngineShutdown
	}
	l, err := socket.Listen(network, addr, that.Options)
	if err != nil {
		return nil, err
	}
	if err = that.onLoop(that.MainLoop, func() error {
		return that.MainLoop.AddListener(l)
	}); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// AddDatagram binds a datagram socket to addr and reads it on the loop the
// balancer picks.
func (that *Engine) AddDatagram(network string, addr net.Addr) (pc *conn.PacketConn, err error) {
	if that.IsClosing.Load() {
		return nil, errs.ErrEngineShutdown
	}
	d, err := socket.ListenDatagram(network, addr, that.Options)
	if err != nil {
		return nil, err
	}
	loop := that.next()
	if err = that.onLoop(loop, func() (e error) {
		pc, e = loop.AddDatagram(d)
		return
	}); err != nil {
		_ = d.Close()
		return nil, err
	}
	return pc, nil
}

// Dial connects to addr from the loop the balancer picks.
func (that *Engine) Dial(network string, addr net.Addr, ctx interface{}) (*conn.Conn, error) {
	if that.IsClosing.Load() {
		return nil, errs.ErrEngineShutdown
	}
	return that.next().Dial(network, addr, ctx)
}

func (that *Engine) next() *eloop.Eloop {
	if that.Balancer != nil {
		if l, ok := that.Balancer.Next().(*eloop.Eloop); ok {
			return l
		}
	}
	return that.MainLoop
}

// Start runs every loop on the pool. The engine stops as soon as one loop
// returns.
func (that *Engine) Start() error {
	if that.IsClosing.Load() {
		return errs.ErrEngineShutdown
	}
	if !that.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: engine already started", errs.ErrIllegalState)
	}
	for _, l := range that.loops() {
		l := l
		that.wg.Add(1)
		if err := that.pool.Submit(func() {
			defer that.wg.Done()
			if err := l.Run(); err != nil {
				logger.Errorf("loop %d exits: %v", l.GetIndex(), err)
				that.setErr(err)
			}
			that.Stop()
		}); err != nil {
			that.wg.Done()
			that.setErr(err)
			that.Stop()
			return err
		}
	}
	return nil
}

func (that *Engine) setErr(err error) {
	that.mu.Lock()
	if that.err == nil {
		that.err = err
	}
	that.mu.Unlock()
}

// Wait blocks until every loop has returned and reports the first failure.
func (that *Engine) Wait() error {
	that.wg.Wait()
	that.pool.Release()
	that.mu.Lock()
	defer that.mu.Unlock()
	return that.err
}

// Serve is Start followed by Wait.
func (that *Engine) Serve() error {
	if err := that.Start(); err != nil {
		return err
	}
	return that.Wait()
}

// Stop asks every loop to close what it owns and return. Stopping an engine
// that never started releases its loops.
func (that *Engine) Stop() {
	that.once.Do(func() {
		that.IsClosing.Store(true)
		if !that.started.Load() {
			that.closeLoops()
			return
		}
		for _, l := range that.loops() {
			if err := l.Stop(); err != nil && !errors.Is(err, errs.ErrPollerClosed) {
				logger.Warningf("failed to stop loop %d: %v", l.GetIndex(), err)
			}
		}
	})
}

// Stats returns one snapshot per loop, the main loop first.
func (that *Engine) Stats() []iface.LoopStat {
	loops := that.loops()
	stats := make([]iface.LoopStat, 0, len(loops))
	for _, l := range loops {
		stats = append(stats, l.Stat())
	}
	return stats
}
