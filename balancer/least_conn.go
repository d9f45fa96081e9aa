package balancer

import (
	"net"

	"github.com/moqsien/gkreactor/iface"
)

type LeastConn struct {
	loopList
}

// Next returns the loop with the fewest connections, the first one on a tie.
func (that *LeastConn) Next(_ ...net.Addr) (e iface.IELoop) {
	for _, v := range that.eloopList {
		if e == nil || v.GetConnCount() < e.GetConnCount() {
			e = v
		}
	}
	return
}
