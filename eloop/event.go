package eloop

import (
	"errors"
	"fmt"

	"github.com/moqsien/processes/logger"

	"github.com/moqsien/gkreactor/conn"
	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/poll"
	"github.com/moqsien/gkreactor/socket"
	"github.com/moqsien/gkreactor/utils/errs"
)

func (that *Eloop) dispatch(reg *poll.Registration) error {
	switch att := reg.Attachment().(type) {
	case *socket.Listener:
		return that.accept(att)
	case *conn.Conn:
		if reg.IsConnectable() {
			return att.FinishConnect()
		}
		if reg.IsReadable() {
			if err := att.ReadFromFd(that.buffer); err != nil {
				return err
			}
		}
		if reg.IsWritable() && att.State() != conn.Closed {
			return att.WriteToFd()
		}
	case *conn.PacketConn:
		if reg.IsReadable() {
			if err := att.ReadPackets(that.buffer); err != nil {
				return err
			}
		}
		if reg.IsWritable() && reg.IsValid() {
			return att.Flush()
		}
	}
	return nil
}

// accept drains the pending connections of l.
func (that *Eloop) accept(l *socket.Listener) error {
	for {
		s, err := l.Accept()
		if err != nil {
			if errors.Is(err, errs.ErrResourceExhausted) {
				logger.Warningf("loop %d stops accepting for this cycle, %v", that.Index, err)
				return nil
			}
			return fmt.Errorf("%w: %w", errs.ErrAcceptSocket, err)
		}
		if s == nil {
			return nil
		}
		if err = that.setupStream(s); err != nil {
			logger.Warningf("failed to set up accepted stream from %s, %v", s.RemoteAddr(), err)
			_ = s.Close()
			continue
		}

		var loop iface.IELoop = that
		if that.Balancer != nil {
			if next := that.Balancer.Next(s.RemoteAddr()); next != nil {
				loop = next
			}
		}
		if loop == iface.IELoop(that) {
			if err = that.RegisterConn(s); errors.Is(err, errs.ErrEngineShutdown) {
				return err
			} else if err != nil {
				logger.Warningf("failed to register stream from %s, %v", s.RemoteAddr(), err)
			}
			continue
		}
		if err = loop.GetPoller().AddPriorTask(loop.RegisterConn, s); err != nil {
			logger.Warningf("failed to hand stream over to loop %d, %v", loop.GetIndex(), err)
			_ = s.Close()
		}
	}
}
