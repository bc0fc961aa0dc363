//go:build !linux && !darwin

package limits

import (
	"errors"
	"runtime"
)

// Unlimited is the kernel's "no ceiling" value
const Unlimited = ^uint64(0)

var errUnsupported = errors.New("resource limits are not supported on " + runtime.GOOS)

type hostRLimiter struct{}

func (hostRLimiter) Get(Resource) (Limit, error) { return Limit{}, errUnsupported }

func (hostRLimiter) Set(Resource, Limit) error { return errUnsupported }
