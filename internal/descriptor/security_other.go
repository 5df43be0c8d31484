//go:build !linux && !darwin

package descriptor

import "errors"

// getPeerCredentials has no implementation outside Linux/Darwin; callers
// fall back to single-process degrade mode on these platforms.
func getPeerCredentials(fd int) (*PeerCredentials, error) {
	return nil, errors.New("descriptor: peer credential verification is not supported on this platform")
}
