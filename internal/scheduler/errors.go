package scheduler

import "errors"

// ErrDraining is returned by Submit once the Scheduler has been told to
// shut down; in-flight runs continue to completion but new work is
// rejected immediately.
var ErrDraining = errors.New("scheduler: draining, reject new submissions")
