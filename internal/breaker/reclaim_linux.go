package breaker

import (
	"context"
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// reclaimSwap flushes dirty pages, drops the page cache and asks the kernel
// to compact memory. Both writes need root.
func reclaimSwap(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unix.Sync()

	var errs []error
	if err := os.WriteFile("/proc/sys/vm/drop_caches", []byte("3"), 0200); err != nil {
		errs = append(errs, err)
	}
	if err := os.WriteFile("/proc/sys/vm/compact_memory", []byte("1"), 0200); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
