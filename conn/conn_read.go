package conn

import (
	"io"
)

// Read consumes the inbound bytes handed to the running OnTrack.
func (that *Conn) Read(p []byte) (n int, err error) {
	n = copy(p, that.Buffer)
	that.Buffer = that.Buffer[n:]
	if n == 0 && len(p) > 0 {
		err = io.EOF
	}
	return
}

// Next consumes and returns every inbound byte left.
func (that *Conn) Next() (b []byte) {
	b, that.Buffer = that.Buffer, nil
	return
}

func (that *Conn) InboundBuffered() int {
	return len(that.Buffer)
}
