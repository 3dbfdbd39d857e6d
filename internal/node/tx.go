package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"confidentialvesting/internal/address"
	"confidentialvesting/internal/chain"
	"confidentialvesting/internal/fhe"
	"confidentialvesting/internal/identity"
)

// Methods accepted in signed envelopes.
const (
	MethodCreateSchedule = "vesting.create"
	MethodRelease        = "vesting.release"
	MethodApprove        = "token.approve"
	MethodMint           = "token.mint"
	MethodTransfer       = "token.transfer"
)

var (
	ErrUnknownMethod = errors.New("unknown method")
	ErrWrongDomain   = errors.New("envelope signed for another deployment")
)

type CreateSchedule struct {
	Beneficiary address.Address `json:"beneficiary"`
	Token       address.Address `json:"token"`
	Amount      fhe.Input       `json:"amount"`
	Start       fhe.Input       `json:"start"`
	Duration    fhe.Input       `json:"duration"`
}

type Release struct {
	Beneficiary address.Address `json:"beneficiary"`
	Token       address.Address `json:"token"`
}

// Approve sets an allowance. Exactly one of Amount and Encrypted is set.
type Approve struct {
	Token     address.Address `json:"token"`
	Spender   address.Address `json:"spender"`
	Amount    *uint64         `json:"amount,omitempty"`
	Encrypted *fhe.Input      `json:"encrypted,omitempty"`
}

type Mint struct {
	Token  address.Address `json:"token"`
	To     address.Address `json:"to"`
	Amount uint64          `json:"amount"`
}

type Transfer struct {
	Token  address.Address `json:"token"`
	To     address.Address `json:"to"`
	Amount fhe.Input       `json:"amount"`
}

// Submit verifies a signed envelope and executes it as one call. The nonce
// is consumed inside the call, so a reverted call can be resubmitted.
func (n *Node) Submit(ctx context.Context, e *identity.Envelope) (*chain.Receipt, error) {
	if err := e.Verify(); err != nil {
		return nil, err
	}
	if e.Domain != n.Domain() {
		return nil, fmt.Errorf("%w: signed for %s, this node is %s", ErrWrongDomain, e.Domain, n.Domain())
	}
	target, run, err := n.dispatch(e)
	if err != nil {
		return nil, err
	}
	sender := e.Sender()
	receipt, err := n.Chain.Execute(ctx, sender, target, func(env *chain.Env) error {
		if err := env.ConsumeNonce(e.Nonce); err != nil {
			return err
		}
		return run(env)
	})
	fields := logrus.Fields{"method": e.Method, "sender": sender.Short(), "nonce": e.Nonce}
	if err != nil {
		n.log.WithFields(fields).WithError(err).Warn("call failed")
		return nil, err
	}
	fields["height"] = receipt.Height
	n.log.WithFields(fields).Info("call committed")
	return receipt, nil
}

func (n *Node) dispatch(e *identity.Envelope) (address.Address, func(*chain.Env) error, error) {
	switch e.Method {
	case MethodCreateSchedule:
		var p CreateSchedule
		if err := e.Decode(&p); err != nil {
			return address.Zero, nil, err
		}
		return n.Vesting.Address(), func(env *chain.Env) error {
			return n.Vesting.CreateNewVestingSchedule(env, p.Beneficiary, p.Token, p.Amount, p.Start, p.Duration)
		}, nil

	case MethodRelease:
		var p Release
		if err := e.Decode(&p); err != nil {
			return address.Zero, nil, err
		}
		return n.Vesting.Address(), func(env *chain.Env) error {
			return n.Vesting.Release(env, p.Beneficiary, p.Token)
		}, nil

	case MethodApprove:
		var p Approve
		if err := e.Decode(&p); err != nil {
			return address.Zero, nil, err
		}
		if (p.Amount == nil) == (p.Encrypted == nil) {
			return address.Zero, nil, fmt.Errorf("%w: approve needs exactly one of amount and encrypted", identity.ErrMalformedEnvelope)
		}
		t, err := n.token(p.Token)
		if err != nil {
			return address.Zero, nil, err
		}
		return t.Address(), func(env *chain.Env) error {
			if p.Encrypted != nil {
				return t.ApproveEncrypted(env, p.Spender, *p.Encrypted)
			}
			return t.Approve(env, p.Spender, *p.Amount)
		}, nil

	case MethodMint:
		var p Mint
		if err := e.Decode(&p); err != nil {
			return address.Zero, nil, err
		}
		t, err := n.token(p.Token)
		if err != nil {
			return address.Zero, nil, err
		}
		return t.Address(), func(env *chain.Env) error {
			return t.Mint(env, p.To, p.Amount)
		}, nil

	case MethodTransfer:
		var p Transfer
		if err := e.Decode(&p); err != nil {
			return address.Zero, nil, err
		}
		t, err := n.token(p.Token)
		if err != nil {
			return address.Zero, nil, err
		}
		return t.Address(), func(env *chain.Env) error {
			_, err := t.TransferInput(env, p.To, p.Amount)
			return err
		}, nil
	}
	return address.Zero, nil, fmt.Errorf("%w: %q", ErrUnknownMethod, e.Method)
}
