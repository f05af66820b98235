// Package gateway stores gateway identities and authenticates gateways that
// present a credential.
//
// An identity is created once, by pairing or direct provisioning, and binds
// one gateway id to exactly one home. Afterwards only its status and
// last-seen time change. Identities are never deleted; revocation is a
// status. The plaintext secret exists only in the response to the call that
// created it. The store holds an Argon2id hash.
package gateway
