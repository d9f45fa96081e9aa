package socket

import (
	"errors"

	"github.com/moqsien/gkreactor/sys"
)

var errKeepAlive = errors.New("invalid keep-alive time")

// SetKeepAlive enables TCP keep-alive probes every secs seconds.
func (that *Stream) SetKeepAlive(secs int) error {
	if secs <= 0 {
		return errKeepAlive
	}
	fd, err := that.openFd()
	if err != nil {
		return err
	}
	if err = sys.SetsockoptInt(fd, sys.SOL_SOCKET, sys.SO_KEEPALIVE, 1); err != nil {
		return err
	}
	if err = sys.SetsockoptInt(fd, sys.IPPROTO_TCP, sys.TCP_KEEPINTVL, secs); err != nil {
		return err
	}
	return sys.SetsockoptInt(fd, sys.IPPROTO_TCP, sys.TCP_KEEPIDLE, secs)
}
