// Package installer installs plugins as soon as the review pipeline
// publishes them.
//
// An AutoInstaller reads submission.EventPublished announcements from a
// bounded events.Channel, queues each install on an async.Pool, registers
// renderer plugins with the renderer registry and optionally starts them.
// Operators that prefer manual installs simply do not run one.
package installer
