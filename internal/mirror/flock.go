package mirror

import (
	"os"
	"syscall"
)

// Flock wraps flock(2) on an open file.
type Flock struct {
	*os.File
}

// Lock acquires an exclusive lock without blocking. It fails when
// another process already holds the lock.
func (f Flock) Lock() error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

// Unlock releases the lock.
func (f Flock) Unlock() error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
