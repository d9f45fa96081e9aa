package conn

import "github.com/moqsien/gkreactor/utils/byteslice"

// GetBuffer returns a pooled buffer of size bytes.
func GetBuffer(size int) []byte {
	return byteslice.Get(size)
}

func PutBuffer(buf []byte) {
	byteslice.Put(buf)
}
