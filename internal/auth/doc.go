// Package auth holds the relay's access gate and credential handling.
//
// Every relay, cache and sharing operation asks the Gate whether a principal
// holds a role in the target home that grants the needed capability:
//
//	read    - owner, admin, user, viewer
//	control - owner, admin, user
//	manage  - owner, admin
//
// The lookup always goes to the home_permissions table. The homes claim in
// an access token is only a hint for picking a home when a gateway connects
// with a bearer token; it is never trusted for authorisation because it may
// predate later grants or revocations.
//
// The package also verifies access tokens minted by the account service
// (HS256, token_type "access") and hashes gateway secrets with Argon2id.
package auth
