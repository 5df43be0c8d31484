package descriptor

// PeerCredentials is the platform-independent process identity attached
// to a descriptor-channel peer, resolved via SO_PEERCRED (Linux) or
// LOCAL_PEERCRED (Darwin).
type PeerCredentials struct {
	UID uint32
	GID uint32
	PID int32
}
