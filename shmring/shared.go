//go:build unix

package shmring

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MapShared creates (if create is true) or opens a POSIX shared-memory
// backed ring at the given /dev/shm-style name and mmaps it MAP_SHARED,
// so two processes reading/writing the same mapping see each other's
// atomic stores to write_idx/read_idx without any syscall on the fast
// path — the same mmap-then-atomic-load discipline
// ehrlich-b-go-ublk/internal/queue/runner.go uses for its io_uring
// descriptor ring, applied here to a byte-message ring instead of a
// device queue.
func MapShared(name string, capacity int, create bool) (*Ring, error) {
	path := shmPath(name)

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmring: open %s: %w", path, err)
	}

	if create {
		if err := f.Truncate(int64(capacity)); err != nil {
			f.Close()
			return nil, fmt.Errorf("shmring: truncate %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmring: mmap %s: %w", path, err)
	}

	closer := func() error {
		err := unix.Munmap(data)
		f.Close()
		if create {
			os.Remove(path)
		}
		return err
	}

	return NewOverBuffer(data, closer), nil
}

// shmPath maps a bare channel/ring name to the backing file nprpc uses
// in lieu of a true shm_open namespace (Go's standard library has no
// POSIX shm_open wrapper; a regular file under /dev/shm gets the same
// tmpfs-backed, zero-disk-IO behavior on Linux).
func shmPath(name string) string {
	return "/dev/shm/" + name
}

// Unlink removes the backing file for name without requiring an open
// mapping — used by a listener that wants to pre-clean a stale ring
// from a crashed peer before accept.
func Unlink(name string) error {
	err := os.Remove(shmPath(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
