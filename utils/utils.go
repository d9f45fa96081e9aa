package utils

import (
	"os"
	"unsafe"
)

func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	/* #nosec G103 */
	return unsafe.String(&b[0], len(b))
}

func StringToBytes(s string) []byte {
	if s == "" {
		return nil
	}
	/* #nosec G103 */
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// SysError wraps err with the name of the failing syscall, nil stays nil.
func SysError(name string, err error) error {
	return os.NewSyscallError(name, err)
}
