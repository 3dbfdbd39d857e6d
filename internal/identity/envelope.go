package identity

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"confidentialvesting/internal/address"
)

// CallContext separates call signatures from permit signatures.
const CallContext = "confidentialvesting:call:v1"

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is a signed state-changing call. Domain names the deployment the
// call is meant for, so a call signed for one node cannot be replayed on
// another. Nonces increase strictly per signer; the host rejects replays.
type Envelope struct {
	Signer    []byte          `json:"signer"`
	Domain    address.Address `json:"domain"`
	Nonce     uint64          `json:"nonce"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature"`
}

// NewEnvelope marshals payload and signs the call for domain.
func NewEnvelope(s *Signer, domain address.Address, nonce uint64, method string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	e := &Envelope{
		Signer:  s.PublicKey(),
		Domain:  domain,
		Nonce:   nonce,
		Method:  method,
		Payload: raw,
	}
	e.Signature, err = s.Sign(CallContext, e.transcript())
	if err != nil {
		return nil, err
	}
	return e, nil
}

// transcript = domain || len(method) || method || nonce || payload
func (e *Envelope) transcript() []byte {
	out := make([]byte, 0, len(e.Domain)+4+len(e.Method)+8+len(e.Payload))
	out = append(out, e.Domain[:]...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(e.Method)))
	out = append(out, e.Method...)
	out = binary.BigEndian.AppendUint64(out, e.Nonce)
	return append(out, e.Payload...)
}

// Sender is the address of the signing key.
func (e *Envelope) Sender() address.Address {
	return address.FromPublicKey(e.Signer)
}

// Verify checks the envelope signature.
func (e *Envelope) Verify() error {
	if e.Method == "" || len(e.Signature) == 0 {
		return ErrMalformedEnvelope
	}
	return Verify(e.Signer, CallContext, e.transcript(), e.Signature)
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}
