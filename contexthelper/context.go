package contexthelper

import "context"

// CheckCancellation returns ctx's error once it is done, without blocking.
func CheckCancellation(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
