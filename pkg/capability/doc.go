// Package capability defines the closed set of permissions a plugin may
// declare and hold.
//
// A Set is a small value type; copying it never shares state, so grant tables
// built from sets can be swapped without further synchronization.
package capability
