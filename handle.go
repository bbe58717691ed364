package riftnet

import "github.com/riftnet/riftnet/driver"

// ConnectionHandle is a stable virtual-connection identity: a slot index
// paired with a generation counter. Generation zero means uncreated. A slot
// reuse bumps the generation so stale handles from a prior occupant compare
// unequal to the new one. It is an alias of driver.Handle so the driver
// package (which allocates and compares handles during ScheduleUpdate) never
// needs to import this root package back.
type ConnectionHandle = driver.Handle

// NilHandle is the zero-value, uncreated handle.
var NilHandle = driver.NilHandle
