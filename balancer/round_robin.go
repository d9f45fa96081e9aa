package balancer

import (
	"net"

	"github.com/moqsien/gkreactor/iface"
)

type RoundRobin struct {
	loopList
	nextIndex int
}

// Next returns the loops in registration order and wraps around, nil when
// none is registered.
func (that *RoundRobin) Next(_ ...net.Addr) iface.IELoop {
	if len(that.eloopList) == 0 {
		return nil
	}
	e := that.eloopList[that.nextIndex%len(that.eloopList)]
	that.nextIndex = (that.nextIndex + 1) % len(that.eloopList)
	return e
}
