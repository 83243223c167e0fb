package domain

// PeerID is a stable identity for a connected peer session.
type PeerID string

// OutstandingRequest is a sub-piece we have asked for but not yet received,
// keyed by (PieceIndex, Begin, Length) for TimeoutTable/UploadQueue matching.
type OutstandingRequest struct {
	PieceIndex int
	Begin      int
	Length     int
	Origin     PeerID
}

// RequestKey identifies the (piece_index, begin_offset, length) triple the
// TimeoutTable invariant is keyed on.
type RequestKey struct {
	PieceIndex int
	Begin      int
	Length     int
}

// Key returns the RequestKey for this outstanding request.
func (r OutstandingRequest) Key() RequestKey {
	return RequestKey{PieceIndex: r.PieceIndex, Begin: r.Begin, Length: r.Length}
}

// SubPieceOrdinal returns begin / DEFAULT_REQUEST_LENGTH — the block index
// within its piece.
func (r OutstandingRequest) SubPieceOrdinal() int {
	return r.Begin / 16384
}

// UploadEntry is a pending read request from a remote peer awaiting a disk
// read, tracked by the UploadQueue.
type UploadEntry struct {
	PieceIndex int
	Begin      int
	Peer       PeerID
}
