// Package process implements the scheduler and timer collaborators the
// network stack blocks on. Kernel processes are backed by goroutines;
// blocking a process parks its goroutine until another process (or an
// interrupt-context hint) wakes it.
package process
