// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package retry

import (
	"context"
	"time"
)

// UntilSuccess calls f until it succeeds, separating attempts by the given
// interval. f is considered successful if it does not return an error.
// It returns nil once f succeeds, or the error from the last attempt when
// ctx is cancelled first. f is called at least once.
func UntilSuccess(ctx context.Context, interval time.Duration, f func() error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		lastErr := f()
		if lastErr == nil {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return lastErr
		}
	}
}
