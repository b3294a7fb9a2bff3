// Package access holds the permission store and the audit log.
//
// The core treats keys and permissions as read-only: it asks whether a key
// may operate a device and appends lock transitions to the audit log. The
// recovery check also reads the latest audit entry per device for a key.
//
// Audit arguments are always ordered key first, device second, at every
// call site and in every table.
//
// Timestamps are stored as fixed-width UTC text, so ORDER BY ts sorts
// chronologically.
package access
