// Package sender implements spec §4.G's network senders: Scream, RTP,
// and WebRTC/Opus egress, all behind one interface the sink mixer
// drives.
package sender

// Sender is the interface spec §4.G names.
type Sender interface {
	Setup() error
	SendPayload(payload []byte, csrcs []string) error
	Close() error
	IsClosed() bool
	ShouldCleanupDueToTimeout() bool
}
