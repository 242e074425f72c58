// Package storage is the maintenance data store housekeeper tasks operate on.
//
// It holds:
//   - the audit log (operator and task-run records) and its daily rollup
//   - expiring dedup keys written by the host application
//
// Every process opens its own connection: the parent only migrates the
// schema and disconnects before workers start.
package storage
