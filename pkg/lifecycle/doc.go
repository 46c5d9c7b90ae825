// Package lifecycle owns installed plugins and moves them through
// INACTIVE, STARTING, ACTIVE, STOPPING and ERROR.
//
// Each plugin has its own statekit machine and its own transition lock, so a
// slow start of one plugin never delays another. The manager only sends
// events to the machine; a state is never assigned directly. Init, start and
// stop hooks run with a timeout and panic recovery, and the security manager
// is told about activation and deactivation at the edges of ACTIVE.
package lifecycle
