//go:build !linux

package fastunlock

// detectTPMSealer reports no TPM on platforms without a supported
// device interface; the keystore sealer takes over.
func detectTPMSealer() Sealer { return nil }
