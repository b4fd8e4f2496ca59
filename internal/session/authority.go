package session

// Authority decides the epoch a device hosts under. Keeping this behind an
// interface leaves room for an election without touching the Manager.
type Authority interface {
	// Claim returns an epoch strictly greater than current.
	Claim(current uint64) (uint64, error)
}

// ManualAuthority bumps the epoch by one on every claim. Whoever asks first
// becomes host; there is no agreement between devices.
type ManualAuthority struct{}

func (ManualAuthority) Claim(current uint64) (uint64, error) {
	return current + 1, nil
}
