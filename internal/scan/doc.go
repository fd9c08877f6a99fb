// Package scan provides the business boundary for scan jobs. It owns the
// job state machine, monthly quota admission, and the Service that drives
// a submitted job through its pipeline stages (fetch, execute, normalize,
// finalize) with a persisted stage pointer so interrupted jobs resume
// instead of restarting.
package scan
