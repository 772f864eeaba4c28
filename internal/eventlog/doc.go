// Package eventlog persists the store as an append-only event log in a
// synchronized folder, using the filesystem itself as both the log and
// its index.
//
// Layout (root = the synchronized folder):
//   - history/{timestamp}_{record_id}_manifest.json — one plaintext
//     lifecycle event (add/update/remove) per file
//   - {timestamp}_{record_id}.patch — one encrypted content delta per
//     add/update event
//
// Timestamps are UTC ISO-8601 with ':' replaced by '-' and the offset
// written as 'Z', fixed-width to nanoseconds, so lexical filename
// order equals chronological order and a sorted directory listing is
// the event sequence.
//
// Because filenames embed unique timestamps and record ids, concurrent
// writers on different devices almost never touch the same file; the
// external synchronizer merges their logs by simply accumulating
// files. Files it does rename as conflicted are surfaced through
// ConflictArtifacts and merged back in via UnionLog.
package eventlog
