//go:build !unix

package secmem

func lockPages(b []byte)   {}
func unlockPages(b []byte) {}
