// Package mongo provides MongoDB-backed call record storage for eager runs.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a callrecord.Store that persists append-only node events.
package mongo
