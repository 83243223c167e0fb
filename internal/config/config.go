// Package config holds the tunable constants of the swarm coordination core.
package config

import "time"

// Default values match the sizes the BitTorrent wire protocol expects; they
// are not meant to vary per torrent, only per deployment.
const (
	// DefaultRequestLength is the fixed sub-piece size, DEFAULT_REQUEST_LENGTH.
	DefaultRequestLength = 16384

	// MaxRequestLength is the largest inbound request this core will service;
	// a peer asking for more must have its connection terminated.
	MaxRequestLength = 131072

	// MaxUploadsPerPeer caps concurrent outstanding remote reads per peer.
	MaxUploadsPerPeer = 6

	// MaxPausedRequestsPerPeer caps buffered remote requests while paused.
	MaxPausedRequestsPerPeer = 6

	// MaxActivePeers is the resource cap enforced by the collaborator that
	// invokes hook_peer, not by the Coordinator itself.
	MaxActivePeers = 50

	// PEXInterval is the PEX gossip tick period.
	PEXInterval = 60 * time.Second

	// KeepAliveInterval is scheduled on pause; BitTorrent idle timeout is 120s.
	KeepAliveInterval = 110 * time.Second

	// FlushThreshold bounds the dirty-but-unsynced byte volume before a flush.
	FlushThreshold = 10 * 1024 * 1024

	// UploadNotifyThreshold bounds how much uploaded data accrues before
	// FileManager.update_upload is called.
	UploadNotifyThreshold = 10 * 1024 * 1024
)

// Config bundles the above as overridable fields, following the teacher's
// plain struct-with-defaults convention (see peerpool.Factory).
type Config struct {
	RequestLength         int
	MaxRequestLength      int
	MaxUploadsPerPeer     int
	MaxPausedPerPeer      int
	MaxActivePeers        int
	PEXInterval           time.Duration
	KeepAliveInterval     time.Duration
	FlushThreshold        int
	UploadNotifyThreshold int
}

// Default returns a Config populated with the spec's constants.
func Default() Config {
	return Config{
		RequestLength:         DefaultRequestLength,
		MaxRequestLength:      MaxRequestLength,
		MaxUploadsPerPeer:     MaxUploadsPerPeer,
		MaxPausedPerPeer:      MaxPausedRequestsPerPeer,
		MaxActivePeers:        MaxActivePeers,
		PEXInterval:           PEXInterval,
		KeepAliveInterval:     KeepAliveInterval,
		FlushThreshold:        FlushThreshold,
		UploadNotifyThreshold: UploadNotifyThreshold,
	}
}
