//go:build js && wasm

package lockfile

import "os"

func isProcessRunning(pid int) bool {
	return pid == os.Getpid()
}
