// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package httpclient

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/logger"
)

var log = logger.Logger()

// NetworkKindChecker reports whether err is a transient Network-kind
// failure worth retrying. Engine/fetcher wire their own
// uptane.ErrorKind check in here, so httpclient itself has no
// dependency on uptane.
type NetworkKindChecker func(err error) bool

// RetryOuterLoop retries op with capped exponential backoff, but only
// for errors isNetwork reports as transient; any other error — in
// particular every security/verification error — is returned
// immediately without a retry. Retries happen at the outer loop only;
// per-call retries are forbidden: op is a whole fetch cycle (e.g. one
// Refresh), never a single HTTP round trip, so a retry re-runs the
// complete verified sequence rather than replaying one GET underneath
// an in-flight verification.
func RetryOuterLoop(ctx context.Context, maxRetries uint64, isNetwork NetworkKindChecker, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !isNetwork(err) {
			return backoff.Permanent(err)
		}
		log.Warnf("outer-loop retry %d after transient network error: %v", attempt, err)
		return err
	}
	if err := backoff.Retry(wrapped, policy); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return perm.Err
		}
		return err
	}
	return nil
}
