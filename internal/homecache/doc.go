// Package homecache mirrors each home's entities, scenes, automations and
// locations as last reported by its gateway.
//
// The cache is derived data. A full snapshot from the gateway replaces a
// home's collections by diff: every reported item is upserted and every
// cached item the snapshot no longer lists is deleted, all in one
// transaction, so readers see either the old graph or the new one.
// Single-entity state pushes only update rows that already exist.
//
// Reads never wait for the gateway. They serve whatever is cached and, when
// the snapshot is older than the sync interval, ask the gateway for a new
// one in the background. A home that has never synced returns ErrNotSynced
// instead of empty lists, so "no devices" and "not synced yet" stay
// distinguishable.
package homecache
