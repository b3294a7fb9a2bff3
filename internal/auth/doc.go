// Package auth issues and verifies bearer tokens for the observer API.
//
// There are no user accounts on the lock host. An operator mints a token
// with `okm token --subject <name>` and hands it to a dashboard or door
// display. Tokens are HS256 JWTs signed with security.jwt.secret and carry
// one of two roles:
//
//	observer  read device state, audit log and the event stream
//	operator  observer, plus draining the unknown-key slot
//
// Validation is signature and expiry only; no database is consulted.
package auth
