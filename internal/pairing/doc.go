// Package pairing issues and redeems the short-lived codes that let a new
// gateway enrol itself under the account that requested the code.
//
// A code is issued, then either used once or left to expire. Redemption is
// the only mutating transition and runs in a single transaction: the code
// is claimed with a conditional UPDATE, the gateway identity and owner
// permission are created, and the code is bound to the new gateway. Two
// concurrent redemptions of one code cannot both succeed.
package pairing
