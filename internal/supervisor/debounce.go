package supervisor

import (
	"context"
	"time"

	"github.com/loykin/guardr/internal/watch"
)

// debounce forwards the last event of each burst to out once quiet has
// passed without a new event. out should be buffered; a trigger is dropped
// if the previous one has not been consumed.
func debounce(ctx context.Context, in <-chan watch.Event, quiet time.Duration, out chan<- watch.Event, seen func(watch.Event)) {
	var timer *time.Timer
	var timerC <-chan time.Time
	var last watch.Event
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if seen != nil {
				seen(ev)
			}
			last = ev
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(quiet)
			timerC = timer.C
		case <-timerC:
			timerC = nil
			select {
			case out <- last:
			default:
			}
		}
	}
}
