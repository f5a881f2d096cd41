// Package probe defines the data model shared by the probing engine: outcome
// kinds, raw responses, work items, results, and the narrow interfaces the
// worker loop depends on. Implementations live in sibling packages so the
// engine can be exercised with in-memory fakes.
package probe
