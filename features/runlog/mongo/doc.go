// Package mongo provides MongoDB-backed storage for the controller's run
// transition log.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a runlog.Store that persists append-only run events.
package mongo
