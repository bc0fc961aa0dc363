package limits

// Unlimited is the kernel's "no ceiling" value
const Unlimited = ^uint64(0)
