// Package background runs recurring maintenance tasks, such as the chunk
// store cleanup, on a single instance at a time. The instance running the
// task holds a distributed lock, renews it while working and re-validates it
// before every run.
package background
