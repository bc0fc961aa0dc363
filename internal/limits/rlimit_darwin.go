package limits

import "golang.org/x/sys/unix"

// Unlimited is the kernel's "no ceiling" value
const Unlimited = uint64(unix.RLIM_INFINITY)
