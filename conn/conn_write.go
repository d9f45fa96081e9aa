package conn

import (
	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/utils/errs"
)

// wantWrite adds write interest for the buffered bytes.
func (that *Conn) wantWrite() error {
	if that.reg == nil || that.reg.Interest().Has(iface.OpWrite) {
		return nil
	}
	that.setState(AwaitingReadWrite)
	return that.reg.AddInterest(iface.OpWrite)
}

func (that *Conn) write(data []byte) (n int, err error) {
	if that.State() == Closed {
		return 0, errs.ErrChannelClosed
	}
	n = len(data)
	if !that.OutBuffer.IsEmpty() {
		_, _ = that.OutBuffer.Write(data)
		return
	}
	var sent int
	if sent, err = that.stream.Write(data); err != nil {
		_ = that.Close(err)
		return 0, err
	}
	if sent < n {
		_, _ = that.OutBuffer.Write(data[sent:])
		err = that.wantWrite()
	}
	return
}

func (that *Conn) writev(data [][]byte) (n int, err error) {
	if that.State() == Closed {
		return 0, errs.ErrChannelClosed
	}
	for _, b := range data {
		n += len(b)
	}
	if !that.OutBuffer.IsEmpty() {
		_, _ = that.OutBuffer.Writev(data)
		return
	}
	var sent int
	if sent, err = that.stream.Writev(data); err != nil {
		_ = that.Close(err)
		return 0, err
	}
	if sent < n {
		var pos int
		for i := range data {
			bn := len(data[i])
			if sent < bn {
				data[i] = data[i][sent:]
				pos = i
				break
			}
			sent -= bn
		}
		_, _ = that.OutBuffer.Writev(data[pos:])
		err = that.wantWrite()
	}
	return
}

func (that *Conn) asyncWrite(arg iface.PollTaskArg) (err error) {
	if that.State() == Closed {
		return
	}
	hook := arg.(*AsyncWriteHook)
	_, err = that.write(hook.Data)
	if hook.Go != nil {
		_ = hook.Go(that)
	}
	return
}

func (that *Conn) asyncWritev(arg iface.PollTaskArg) (err error) {
	if that.State() == Closed {
		return
	}
	hook := arg.(*AsyncWritevHook)
	_, err = that.writev(hook.Data)
	if hook.Go != nil {
		_ = hook.Go(that)
	}
	return
}

// Write writes what the socket accepts and buffers the rest, adding write
// interest only while bytes stay buffered.
func (that *Conn) Write(p []byte) (int, error) {
	return that.write(p)
}

func (that *Conn) Writev(bs [][]byte) (int, error) {
	return that.writev(bs)
}

// AsyncWrite is Write for goroutines other than the loop's. cb runs on the
// loop goroutine after the write.
func (that *Conn) AsyncWrite(data []byte, cb ...AsyncCallback) error {
	var callback AsyncCallback
	if len(cb) > 0 {
		callback = cb[0]
	}
	return that.poller.AddTask(that.asyncWrite, &AsyncWriteHook{
		Go:   callback,
		Data: data,
	})
}

func (that *Conn) AsyncWritev(bs [][]byte, cb ...AsyncCallback) error {
	var callback AsyncCallback
	if len(cb) > 0 {
		callback = cb[0]
	}
	return that.poller.AddTask(that.asyncWritev, &AsyncWritevHook{Go: callback, Data: bs})
}
