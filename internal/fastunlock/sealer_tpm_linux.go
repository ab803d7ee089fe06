//go:build linux

package fastunlock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// Device paths in order of preference: the in-kernel resource manager
// first, direct access as fallback.
var tpmDevicePaths = []string{
	"/dev/tpmrm0",
	"/dev/tpm0",
}

// ErrPlatformChanged means the PCR values no longer match those at seal
// time, typically after a firmware or boot configuration change. The
// workspace secret is unreachable through this sealer; the password path
// still works.
var ErrPlatformChanged = errors.New("fastunlock: platform state changed since sealing")

// sealPCRs binds the sealed secret to firmware (0), boot manager (4) and
// secure boot state (7).
var sealPCRs = []uint{0, 4, 7}

// TPMSealer seals the workspace secret into a TPM 2.0 keyed-hash object
// under the storage hierarchy, gated by a PCR policy.
type TPMSealer struct {
	mu        sync.Mutex
	transport transport.TPMCloser
}

// detectTPMSealer opens the first usable TPM device, or returns nil when
// the platform has none.
func detectTPMSealer() Sealer {
	for _, path := range tpmDevicePaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		t, err := transport.OpenTPM(path)
		if err != nil {
			continue
		}
		return &TPMSealer{transport: t}
	}
	return nil
}

func (s *TPMSealer) Name() string { return "tpm2" }

func (s *TPMSealer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil
	}
	err := s.transport.Close()
	s.transport = nil
	return err
}

// Seal creates a keyed-hash object holding secret under a fresh primary
// key, with an auth policy requiring the current PCR state. The blob is
// the marshalled public and private portions, length prefixed.
func (s *TPMSealer) Seal(secret []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil, ErrUnavailable
	}

	srk, err := s.createPrimary()
	if err != nil {
		return nil, fmt.Errorf("fastunlock: create primary: %w", err)
	}
	defer s.flush(srk)

	policyDigest, err := s.pcrPolicyDigest()
	if err != nil {
		return nil, fmt.Errorf("fastunlock: pcr policy: %w", err)
	}

	createCmd := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				Data: tpm2.NewTPMUSensitiveCreate(
					&tpm2.TPM2BSensitiveData{Buffer: secret},
				),
			},
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgKeyedHash,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:     true,
				FixedParent:  true,
				UserWithAuth: false,
			},
			AuthPolicy: tpm2.TPM2BDigest{Buffer: policyDigest},
		}),
	}
	rsp, err := createCmd.Execute(s.transport)
	if err != nil {
		return nil, fmt.Errorf("fastunlock: tpm create: %w", err)
	}

	pubBytes := tpm2.Marshal(rsp.OutPublic)
	privBytes := tpm2.Marshal(rsp.OutPrivate)

	blob := make([]byte, 4+len(pubBytes)+4+len(privBytes))
	binary.BigEndian.PutUint32(blob[0:4], uint32(len(pubBytes)))
	copy(blob[4:], pubBytes)
	off := 4 + len(pubBytes)
	binary.BigEndian.PutUint32(blob[off:off+4], uint32(len(privBytes)))
	copy(blob[off+4:], privBytes)
	return blob, nil
}

// Unseal loads the sealed object and unseals it under a PCR policy
// session. A changed platform state surfaces as ErrPlatformChanged.
func (s *TPMSealer) Unseal(blob []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil, ErrUnavailable
	}

	if len(blob) < 8 {
		return nil, errors.New("fastunlock: sealed blob too short")
	}
	pubLen := binary.BigEndian.Uint32(blob[0:4])
	if len(blob) < int(4+pubLen+4) {
		return nil, errors.New("fastunlock: sealed blob corrupted")
	}
	pubBytes := blob[4 : 4+pubLen]
	off := 4 + pubLen
	privLen := binary.BigEndian.Uint32(blob[off : off+4])
	if len(blob) != int(off+4+privLen) {
		return nil, errors.New("fastunlock: sealed blob corrupted")
	}
	privBytes := blob[off+4:]

	outPublic, err := tpm2.Unmarshal[tpm2.TPM2BPublic](pubBytes)
	if err != nil {
		return nil, fmt.Errorf("fastunlock: unmarshal public: %w", err)
	}
	outPrivate, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](privBytes)
	if err != nil {
		return nil, fmt.Errorf("fastunlock: unmarshal private: %w", err)
	}

	srk, err := s.createPrimary()
	if err != nil {
		return nil, fmt.Errorf("fastunlock: create primary: %w", err)
	}
	defer s.flush(srk)

	loadCmd := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic:  *outPublic,
		InPrivate: *outPrivate,
	}
	loadRsp, err := loadCmd.Execute(s.transport)
	if err != nil {
		return nil, fmt.Errorf("fastunlock: tpm load: %w", err)
	}
	defer s.flush(loadRsp.ObjectHandle)

	session, closeSession, err := tpm2.PolicySession(s.transport, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		return nil, fmt.Errorf("fastunlock: policy session: %w", err)
	}
	defer closeSession()

	policyCmd := tpm2.PolicyPCR{
		PolicySession: session.Handle(),
		Pcrs:          pcrSelection(),
	}
	if _, err := policyCmd.Execute(s.transport); err != nil {
		return nil, fmt.Errorf("fastunlock: policy pcr: %w", err)
	}

	unsealCmd := tpm2.Unseal{
		ItemHandle: tpm2.AuthHandle{
			Handle: loadRsp.ObjectHandle,
			Name:   loadRsp.Name,
			Auth:   session,
		},
	}
	rsp, err := unsealCmd.Execute(s.transport)
	if err != nil {
		return nil, ErrPlatformChanged
	}
	return rsp.OutData.Buffer, nil
}

// createPrimary builds a transient ECC storage key under the owner
// hierarchy. Deterministic templates make the same key reappear across
// calls, so nothing needs persisting.
func (s *TPMSealer) createPrimary() (tpm2.TPMHandle, error) {
	cmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgECC,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:            true,
				FixedParent:         true,
				SensitiveDataOrigin: true,
				UserWithAuth:        true,
				Restricted:          true,
				Decrypt:             true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgECC,
				&tpm2.TPMSECCParms{
					CurveID: tpm2.TPMECCNistP256,
					Scheme: tpm2.TPMTECCScheme{
						Scheme: tpm2.TPMAlgNull,
					},
				},
			),
		}),
	}
	rsp, err := cmd.Execute(s.transport)
	if err != nil {
		return 0, err
	}
	return rsp.ObjectHandle, nil
}

// pcrPolicyDigest runs a trial-style policy session over sealPCRs and
// returns the digest to bake into the sealed object's auth policy.
func (s *TPMSealer) pcrPolicyDigest() ([]byte, error) {
	session, closeSession, err := tpm2.PolicySession(s.transport, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		return nil, err
	}
	defer closeSession()

	policyCmd := tpm2.PolicyPCR{
		PolicySession: session.Handle(),
		Pcrs:          pcrSelection(),
	}
	if _, err := policyCmd.Execute(s.transport); err != nil {
		return nil, err
	}

	digestCmd := tpm2.PolicyGetDigest{PolicySession: session.Handle()}
	digestRsp, err := digestCmd.Execute(s.transport)
	if err != nil {
		return nil, err
	}
	return digestRsp.PolicyDigest.Buffer, nil
}

func pcrSelection() tpm2.TPMLPCRSelection {
	return tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{
			{
				Hash:      tpm2.TPMAlgSHA256,
				PCRSelect: tpm2.PCClientCompatible.PCRs(sealPCRs...),
			},
		},
	}
}

func (s *TPMSealer) flush(h tpm2.TPMHandle) {
	flushCmd := tpm2.FlushContext{FlushHandle: h}
	flushCmd.Execute(s.transport)
}

var _ Sealer = (*TPMSealer)(nil)
