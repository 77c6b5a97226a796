// Package conc provides the kernel concurrency primitives the network
// stack blocks on: a spinlock, a counting semaphore, and a condition
// variable, all built over the process scheduler collaborator.
//
// The decode paths never wait on these primitives; they only notify.
// Callers of recv/send/connect/disconnect are the ones that block.
package conc
