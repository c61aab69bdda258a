//go:build js && wasm

package lockfile

import "os"

// FlockExclusiveNonBlock is a no-op in WASM (single-process environment).
func FlockExclusiveNonBlock(f *os.File) error {
	return nil
}

// FlockUnlock is a no-op in WASM.
func FlockUnlock(f *os.File) error {
	return nil
}
