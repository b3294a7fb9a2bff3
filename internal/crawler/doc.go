// Package crawler runs the poll loop that turns badges into lock orders.
//
// Each sweep reads once from every controller. A "new_read:<key>" message
// starts the decision:
//
//	unknown key            -> order:denied, unknown-key slot set
//	no permission          -> order:denied
//	device locked          -> order:unlock, await confirm:unlock
//	                          confirmed: audit "unlocked", holder = key
//	                          timeout:   one order:lock, no audit
//	held by the same key   -> order:lock, await confirm:lock
//	                          confirmed: audit "locked", device locked
//	                          timeout:   one order:unlock, no audit
//	held by another key    -> order:denied
//
// Decisions read the in-memory StateOwner, never the audit log. The log is
// only consulted at startup by the recovery check.
//
// A store error during lookup denies the badge. A store error after a
// confirmed order leaves the state unchanged and sends the opposite order,
// so the lock, the holder map and the audit log keep agreeing.
//
// Observers receive an Event for every outcome; see Observer.
package crawler
