package conn

import (
	"errors"
	"io"

	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/utils/errs"
)

// ReadFromFd reads once into buf and fires OnTrack. EOF closes the
// connection with a nil error.
func (that *Conn) ReadFromFd(buf []byte) error {
	n, err := that.stream.Read(buf)
	switch {
	case errors.Is(err, io.EOF):
		return that.Close(nil)
	case err != nil:
		return that.Close(err)
	case n == 0:
		return nil
	}
	that.Buffer = buf[:n]
	err = that.handler.OnTrack(that)
	that.Buffer = nil
	if err != nil && !errors.Is(err, errs.ErrEngineShutdown) {
		return that.Close(err)
	}
	return err
}

// WriteToFd flushes the outbound buffer. Write interest is dropped once it
// is empty.
func (that *Conn) WriteToFd() error {
	for !that.OutBuffer.IsEmpty() {
		iov, _ := that.OutBuffer.Peek(-1)
		var (
			n   int
			err error
		)
		if len(iov) > 1 {
			if len(iov) > iface.IovMax {
				iov = iov[:iface.IovMax]
			}
			n, err = that.stream.Writev(iov)
		} else {
			n, err = that.stream.Write(iov[0])
		}
		if err != nil {
			return that.Close(err)
		}
		if n == 0 {
			return nil
		}
		_, _ = that.OutBuffer.Discard(n)
	}
	if that.reg.Interest().Has(iface.OpWrite) {
		that.setState(AwaitingReadOnly)
		return that.reg.RemoveInterest(iface.OpWrite)
	}
	return nil
}
