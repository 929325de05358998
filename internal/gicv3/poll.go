package gicv3

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff"
)

var errNotReady = errors.New("condition not met")

// poll reads cond until it holds, at most pollLimit+1 times. Running out of
// reads is fatal: the controller cannot be left half configured. It returns
// the number of reads made.
func (c *Controller) poll(what string, cond func() (bool, error)) (int, error) {
	reads := 0
	op := func() error {
		reads++
		ok, err := cond()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotReady
		}
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.pollInterval), c.opts.pollLimit)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errNotReady) {
			return reads, fatal(what, fmt.Errorf("%w after %d reads", ErrTimeout, reads))
		}
		return reads, fmt.Errorf("gicv3: %s: %w", what, err)
	}
	return reads, nil
}

// spin reads cond until it holds, with no limit. It is only used for waits
// the architecture guarantees to finish while nothing is yet live.
func spin(cond func() (bool, error)) error {
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}
