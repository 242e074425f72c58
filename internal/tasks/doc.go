// Package tasks holds the maintenance task registry and the descriptor
// source the scheduler consults for each task's enabled flag and interval.
//
// Tasks are opaque to the scheduler: it only calls Run once per iteration
// and isolates whatever happens inside.
package tasks
