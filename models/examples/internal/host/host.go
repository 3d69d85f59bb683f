//go:build tinygo || wasm

package host

import "unsafe"

// Log forwards text to the detector host via the imported host_log function.
// The host prints it at debug level.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)
