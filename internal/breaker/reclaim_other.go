//go:build !linux && !darwin

package breaker

import (
	"context"
	"errors"
)

func reclaimSwap(context.Context) error {
	return errors.New("swap reclamation not supported on this platform")
}
