package tcpfabric

import (
	"context"
	"math/rand"
	"time"
)

// errPermanent marks an error that retrying cannot fix.
type errPermanent struct {
	err error
}

func (e errPermanent) Error() string {
	return e.err.Error()
}

func (e errPermanent) Unwrap() error {
	return e.err
}

// retry calls try until it succeeds, waiting for a random exponentially
// growing period between attempts. It gives up when ctx is done or when try
// returns an errPermanent.
func retry(
	ctx context.Context,
	maxWait time.Duration,
	report func(error),
	try func() error,
) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	backoff := time.Millisecond

	for {
		before := time.Now()

		err := try()
		if err == nil {
			return nil
		}

		if p, ok := err.(errPermanent); ok {
			return p.err
		}

		if report != nil {
			report(err)
		}

		if elapsed := time.Since(before); backoff <= elapsed {
			backoff = elapsed
		}

		backoff += time.Duration(rand.Int63n(int64(backoff)))
		if maxWait > 0 && backoff > maxWait {
			backoff = maxWait
		}

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
