// Package api serves the read-mostly observer API of the lock host.
//
// Dashboards and door displays use it to see who holds each machine, to
// page through the audit log and to pick up the last unknown badge when
// enrolling a new member. Nothing here can open a lock: orders are only
// ever issued by the crawler in response to a badge.
//
//	GET  /api/v1/health                 component health, no auth
//	GET  /api/v1/devices                all controllers with their holder
//	GET  /api/v1/devices/{id}           one controller
//	GET  /api/v1/audit                  ?key_id=&device_id=&limit=&offset=
//	GET  /api/v1/stats                  crawler counters
//	POST /api/v1/keys/unknown/drain     operator role
//	GET  /api/v1/ws                     live crawler events
//
// When security.jwt.secret is set every route except health needs a
// bearer token (see package auth). Browsers that cannot set headers on a
// WebSocket pass it as ?token=.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
