// Package store defines interfaces for mirroring probe runs and results to an
// external repository. Implementations live in other packages; this package
// must not import database drivers or concrete clients.
package store
