//go:build linux || darwin

package limits

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// hostRLimiter reads and writes the current process's rlimits
type hostRLimiter struct{}

func resourceID(r Resource) (int, error) {
	switch r {
	case AddressSpace:
		return unix.RLIMIT_AS, nil
	case Processes:
		return unix.RLIMIT_NPROC, nil
	case CPUTime:
		return unix.RLIMIT_CPU, nil
	default:
		return 0, fmt.Errorf("unknown resource %d", int(r))
	}
}

func (hostRLimiter) Get(r Resource) (Limit, error) {
	id, err := resourceID(r)
	if err != nil {
		return Limit{}, err
	}
	var rl unix.Rlimit
	if err := unix.Getrlimit(id, &rl); err != nil {
		return Limit{}, err
	}
	return Limit{Soft: uint64(rl.Cur), Hard: uint64(rl.Max)}, nil
}

func (hostRLimiter) Set(r Resource, l Limit) error {
	id, err := resourceID(r)
	if err != nil {
		return err
	}
	rl := unix.Rlimit{Cur: l.Soft, Max: l.Hard}
	return unix.Setrlimit(id, &rl)
}
