// Package httpserver exposes the storage engine over HTTP: object
// store/retrieve/delete, per-owner usage and quota, manual sweep
// triggers and stats, plus the operational endpoints (livez, readyz,
// drain, undrain, optional pprof) and a dedicated metrics listener.
package httpserver
