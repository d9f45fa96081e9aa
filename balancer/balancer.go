// Package balancer spreads accepted streams over the loops of an engine.
package balancer

import "github.com/moqsien/gkreactor/iface"

func New(lb iface.Balancer) iface.IBalancer {
	switch lb {
	case iface.LeastConnLB:
		return &LeastConn{}
	default:
		return &RoundRobin{}
	}
}

// loopList is the registration part shared by the balancers. Loops are
// registered before the engine starts and never removed.
type loopList struct {
	eloopList []iface.IELoop
}

func (that *loopList) Len() int { return len(that.eloopList) }

func (that *loopList) Register(e iface.IELoop) {
	that.eloopList = append(that.eloopList, e)
}

func (that *loopList) Iterator(f iface.BalancerIterFunc) {
	for key, val := range that.eloopList {
		if !f(key, val) {
			break
		}
	}
}
