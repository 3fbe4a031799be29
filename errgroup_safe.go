package cloneagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// GroupGoSafe runs fn in an errgroup goroutine, prints panics to stderr, and
// restarts fn with exponential backoff. The appliance runs unattended, so a
// panic in the control loop must not leave the LEDs frozen until someone
// power-cycles the box.
//
// Returned errors keep errgroup semantics: a non-nil error cancels the
// group's derived context and surfaces from Wait. ctx cancellation stops the
// restart loop. Panics go to bare stderr because the logger itself may be
// what panicked.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() (err error) {
		backoff := 200 * time.Millisecond
		const maxBackoff = 30 * time.Second
		for {
			if ctx != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
			}

			panicked := false
			var recovered any
			func() {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						recovered = r
					}
				}()
				err = fn(ctx)
			}()

			if !panicked {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			jitterMax := backoff / 2
			jitter := time.Duration(0)
			if jitterMax > 0 {
				jitter = time.Duration(time.Now().UnixNano() % int64(jitterMax))
			}
			time.Sleep(backoff + jitter)

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}
