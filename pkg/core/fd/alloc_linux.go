//go:build linux

package fd

import "golang.org/x/sys/unix"

// osAllocator reserves descriptor numbers by opening /dev/null. The
// placeholder never carries traffic; it only pins the number in the host
// program's descriptor space so generic descriptor-based code (select,
// poll, close) keeps working on it.
type osAllocator struct{}

func (osAllocator) Alloc() (int, error) {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func (osAllocator) Release(fd int) error {
	return unix.Close(fd)
}
