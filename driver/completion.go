package driver

// Completion is the token ScheduleUpdate returns, representing one tick's
// work in progress. The driver is single-threaded cooperative: since
// ScheduleUpdate runs its whole tick synchronously before returning, Wait is
// always immediately satisfied, but the type exists so callers write
// `driver.ScheduleUpdate().Wait()` the same way regardless of whether a
// future implementation parallelizes the receive/pipeline/send phases
// internally, per the concurrency model's "may be parallelized... by the
// implementation" allowance.
type Completion struct {
	done bool
	err  error
}

func completedOK() Completion {
	return Completion{done: true}
}

func completedErr(err error) Completion {
	return Completion{done: true, err: err}
}

// Wait blocks until the tick finishes (a no-op today) and returns any error
// encountered during it.
func (c Completion) Wait() error {
	return c.err
}

// Done reports whether the tick has finished.
func (c Completion) Done() bool {
	return c.done
}
