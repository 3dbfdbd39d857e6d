// Package permit implements decryption permissions.
//
// A Permission is signed by its issuer and names the contracts it may be
// presented to and the ML-KEM key outputs are sealed under. Contracts only
// honour a permission when its issuer is the caller asking for the read.
package permit

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"confidentialvesting/internal/address"
	"confidentialvesting/internal/identity"
	"confidentialvesting/internal/seal"
)

// SignContext separates permit signatures from call signatures.
const SignContext = "confidentialvesting:permit:v1"

var (
	ErrPermissionInvalid = errors.New("permission invalid")
	ErrSubjectMismatch   = errors.New("permission subject does not match caller")
	ErrPermissionExpired = fmt.Errorf("%w: expired", ErrPermissionInvalid)
	ErrOutOfScope        = fmt.Errorf("%w: contract not in scope", ErrPermissionInvalid)
)

// Permission authorizes sealed reads on behalf of Issuer.
type Permission struct {
	Issuer     address.Address   `json:"issuer"`
	Contracts  []address.Address `json:"contracts"`
	SealingKey []byte            `json:"sealing_key"`
	Expiry     uint64            `json:"expiry,omitempty"` // unix seconds, 0 never expires
	SignerKey  []byte            `json:"signer_key"`
	Signature  []byte            `json:"signature"`
}

// New issues a permission signed by s.
func New(s *identity.Signer, sealingKey []byte, expiry uint64, contracts ...address.Address) (*Permission, error) {
	if len(sealingKey) != seal.PublicKeySize {
		return nil, fmt.Errorf("%w: sealing key: %v", ErrPermissionInvalid, seal.ErrInvalidPublicKeySize)
	}
	if len(contracts) == 0 {
		return nil, fmt.Errorf("%w: no contracts", ErrPermissionInvalid)
	}
	p := &Permission{
		Issuer:     s.Address(),
		Contracts:  contracts,
		SealingKey: append([]byte(nil), sealingKey...),
		Expiry:     expiry,
		SignerKey:  s.PublicKey(),
	}
	sig, err := s.Sign(SignContext, p.digest())
	if err != nil {
		return nil, err
	}
	p.Signature = sig
	return p, nil
}

func (p *Permission) digest() []byte {
	var buf bytes.Buffer
	buf.Write(p.Issuer[:])
	binary.Write(&buf, binary.BigEndian, uint32(len(p.Contracts)))
	for _, c := range p.Contracts {
		buf.Write(c[:])
	}
	binary.Write(&buf, binary.BigEndian, uint32(len(p.SealingKey)))
	buf.Write(p.SealingKey)
	binary.Write(&buf, binary.BigEndian, p.Expiry)
	return buf.Bytes()
}

// Verify checks the signature, the issuer binding, the contract scope and the
// expiry. It does not look at who presents the permission.
func (p *Permission) Verify(contract address.Address, now uint64) error {
	if p == nil {
		return fmt.Errorf("%w: missing", ErrPermissionInvalid)
	}
	if address.FromPublicKey(p.SignerKey) != p.Issuer {
		return fmt.Errorf("%w: signer key does not belong to issuer", ErrPermissionInvalid)
	}
	if len(p.SealingKey) != seal.PublicKeySize {
		return fmt.Errorf("%w: sealing key size %d", ErrPermissionInvalid, len(p.SealingKey))
	}
	if err := identity.Verify(p.SignerKey, SignContext, p.digest(), p.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionInvalid, err)
	}
	if !mapset.NewSet(p.Contracts...).Contains(contract) {
		return ErrOutOfScope
	}
	if p.Expiry != 0 && now >= p.Expiry {
		return ErrPermissionExpired
	}
	return nil
}

// Validate is Verify plus the subject check: the issuer must be the caller.
func (p *Permission) Validate(contract, caller address.Address, now uint64) error {
	if err := p.Verify(contract, now); err != nil {
		return err
	}
	if p.Issuer != caller {
		return fmt.Errorf("%w: issuer %s, caller %s", ErrSubjectMismatch, p.Issuer, caller)
	}
	return nil
}
