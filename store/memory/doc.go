// Package memory provides in-process implementations of the store contracts.
// They honor units of work, which makes them suitable for tests and for
// single-instance deployments.
package memory
