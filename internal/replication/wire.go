// Package replication implements push/pull sync between the central
// server and disconnected clients. Clients push full row snapshots of
// locally pending rows; the server assigns a global sequence to each
// accepted row and clients pull everything past the last sequence they
// have seen. Conflicts are detected on the server by comparing the
// client's base sequence against the stored one.
package replication

// TableRows groups pushed rows by table. Rows are wire-shaped
// snake_case maps, identical to the relational row.
type TableRows struct {
	Table string           `json:"table"`
	Rows  []map[string]any `json:"rows"`
}

// PushRequest is one client batch of pending rows.
type PushRequest struct {
	ClientID string      `json:"client_id"`
	Upserts  []TableRows `json:"upserts"`
	// Override forces conflicting rows through last-writer-wins
	// instead of rejecting them. Every override is logged with the
	// previous and attempted row.
	Override bool `json:"override,omitempty"`
}

// AppliedSeq reports the server sequence assigned to one accepted row.
type AppliedSeq struct {
	Table string `json:"table"`
	RowID string `json:"row_id"`
	Seq   int64  `json:"seq"`
}

// ConflictRef identifies one rejected row.
type ConflictRef struct {
	Table string `json:"table"`
	RowID string `json:"row_id"`
}

// PushResponse acknowledges a push batch row by row.
type PushResponse struct {
	Applied   int           `json:"applied"`
	Seqs      []AppliedSeq  `json:"seqs"`
	Conflicts []ConflictRef `json:"conflicts"`
}

// PulledRow is one replicated row on the wire.
type PulledRow struct {
	Table string         `json:"table"`
	Row   map[string]any `json:"row"`
}

// PullResponse carries all rows with a server sequence past the
// client's cursor, oldest first. NextSince is the new cursor; it equals
// the request's since when nothing changed.
type PullResponse struct {
	Rows      []PulledRow `json:"rows"`
	NextSince int64       `json:"next_since"`
}
