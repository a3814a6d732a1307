// Package rwmutex implements a distributed reader-writer mutex over a shared
// document store's atomic single-document operations. Processes coordinate
// exclusive (write) or shared (read) access to a named resource without a
// dedicated lock server or heartbeats: every state transition is one atomic
// conditional update or delete against the store, and contention is absorbed
// by a poll loop, optionally woken early through a wakebus.
//
// Locks are reentrant for the holding client. A held writer excludes all
// readers and other writers; any number of distinct readers share the lock
// while no writer holds it. TryOverrideWriter and ConditionalOverrideWriter
// reassign the writer optimistically, re-validating a possibly slow external
// decision against the store's atomic write outcome.
package rwmutex
