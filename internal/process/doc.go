// Package process starts and tracks plugin subprocesses.
//
// A Supervisor starts commands with piped stdio, watches each one for exit,
// and terminates whatever is left on shutdown: SIGTERM first, SIGKILL after
// a grace period.
package process
