// Package recovery closes audit sessions a crash left open.
//
// It runs once at startup, before the crawler polls. For every key in the
// audit log it looks at the latest entry on each device. An "unlocked"
// entry there means the previous process died while the device was held,
// so an "error" entry is appended for that key and device and the device
// starts locked. Controllers return to a locked state when they restart.
//
// Running it twice appends nothing the second time.
package recovery
