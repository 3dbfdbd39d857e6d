// main.go - End-to-end confidential vesting scenario.
//
// This runs a node in-process behind its HTTP API and drives it through the
// client the way an outside caller would:
//   - an issuer mints a confidential token and approves the vesting contract
//   - two schedules are created from encrypted, proven inputs
//   - the clock advances; anyone can release on a beneficiary's behalf
//   - beneficiaries read their schedules and balances through sealed outputs
//
// Usage:
//
//	go run .
package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"confidentialvesting/internal/address"
	"confidentialvesting/internal/api"
	"confidentialvesting/internal/chain"
	"confidentialvesting/internal/client"
	"confidentialvesting/internal/fhe"
	"confidentialvesting/internal/identity"
	"confidentialvesting/internal/node"
	"confidentialvesting/internal/permit"
	"confidentialvesting/internal/seal"
	"confidentialvesting/internal/vesting"
)

// party is an account plus the keypair its sealed reads are opened with.
type party struct {
	name   string
	signer *identity.Signer
	reader *seal.Keypair
	perm   *permit.Permission
}

type scenario struct {
	log    logrus.FieldLogger
	node   *node.Node
	clock  *chain.ManualClock
	srv    *api.Server
	client *client.Client
	key    []byte
	token  address.Address
	nonces map[address.Address]uint64
}

// Summary is the state at the end of the scenario.
type Summary struct {
	Issuer, Alice, Bob, Custody uint64
	AliceReleased, BobReleased  uint64
	Events                      int
}

func newScenario(ctx context.Context, log *logrus.Logger, issuer address.Address) (*scenario, error) {
	clock := chain.NewManualClock(1)
	n, err := node.New(node.Config{
		ProofBits: []int{vesting.AmountWidth.Bits()},
		Tokens:    []node.TokenConfig{{Name: "Vesting Token", Symbol: "VST", Owner: issuer}},
		Clock:     clock,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		n.Close()
		return nil, err
	}
	srv := api.New(api.Config{Node: n, Logger: log})
	go srv.App().Listener(ln)

	s := &scenario{
		log:    log,
		node:   n,
		clock:  clock,
		srv:    srv,
		client: client.New("http://"+ln.Addr().String(), nil),
		nonces: make(map[address.Address]uint64),
	}
	info, err := s.client.NetworkInfo(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	if s.key, err = seal.FromBase64URL(info.NetworkKey); err != nil {
		s.Close()
		return nil, err
	}
	s.token = info.Tokens[0].Address
	return s, nil
}

func (s *scenario) Close() {
	s.srv.Shutdown()
	s.node.Close()
}

func (s *scenario) newParty(name string, seed byte) (*party, error) {
	signer, err := identity.SignerFromSeed([identity.SeedSize]byte{seed})
	if err != nil {
		return nil, err
	}
	reader, err := seal.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	perm, err := permit.New(signer, reader.PublicKey, 0, s.node.Vesting.Address(), s.token)
	if err != nil {
		return nil, err
	}
	return &party{name: name, signer: signer, reader: reader, perm: perm}, nil
}

func (s *scenario) call(ctx context.Context, p *party, method string, payload interface{}) error {
	a := p.signer.Address()
	s.nonces[a]++
	r, err := s.client.Call(ctx, p.signer, s.nonces[a], method, payload)
	if err != nil {
		return fmt.Errorf("%s %s: %w", p.name, method, err)
	}
	s.log.WithFields(logrus.Fields{"caller": p.name, "method": method, "height": r.Height, "events": len(r.Events)}).Info("call committed")
	return nil
}

func (s *scenario) input(v uint64) (fhe.Input, error) {
	return fhe.NewInput(s.key, s.node.Proofs, v, vesting.AmountWidth)
}

func (s *scenario) create(ctx context.Context, issuer, beneficiary *party, amount, start, duration uint64) error {
	var in [3]fhe.Input
	for i, v := range []uint64{amount, start, duration} {
		var err error
		if in[i], err = s.input(v); err != nil {
			return err
		}
	}
	return s.call(ctx, issuer, node.MethodCreateSchedule, node.CreateSchedule{
		Beneficiary: beneficiary.signer.Address(),
		Token:       s.token,
		Amount:      in[0],
		Start:       in[1],
		Duration:    in[2],
	})
}

func (s *scenario) release(ctx context.Context, caller, beneficiary *party) error {
	return s.call(ctx, caller, node.MethodRelease, node.Release{Beneficiary: beneficiary.signer.Address(), Token: s.token})
}

func (s *scenario) open(p *party, sealed string) (uint64, error) {
	v, _, err := fhe.OpenOutput(p.reader, sealed)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

// balance is what p sees when it unseals its own balance.
func (s *scenario) balance(ctx context.Context, p *party) (uint64, error) {
	sealed, err := s.client.SealedBalance(ctx, p.signer.Address(), s.token, p.perm)
	if err != nil {
		return 0, err
	}
	return s.open(p, sealed)
}

func (s *scenario) field(ctx context.Context, p *party, f vesting.Field) (uint64, error) {
	a := p.signer.Address()
	sealed, err := s.client.SealedField(ctx, a, f, p.perm, a, s.token)
	if err != nil {
		return 0, err
	}
	return s.open(p, sealed)
}

func (s *scenario) vested(ctx context.Context, p *party) (uint64, error) {
	a := p.signer.Address()
	sealed, err := s.client.SealedVested(ctx, a, p.perm, a, s.token)
	if err != nil {
		return 0, err
	}
	return s.open(p, sealed)
}

func (s *scenario) report(ctx context.Context, parties ...*party) error {
	fields := logrus.Fields{"time": s.clock.Now()}
	for _, p := range parties {
		b, err := s.balance(ctx, p)
		if err != nil {
			return err
		}
		fields[p.name] = b
	}
	s.log.WithFields(fields).Info("balances")
	return nil
}

// run plays the scenario and returns the final state.
func run(ctx context.Context, log *logrus.Logger) (*Summary, error) {
	issuerSigner, err := identity.SignerFromSeed([identity.SeedSize]byte{1})
	if err != nil {
		return nil, err
	}
	s, err := newScenario(ctx, log, issuerSigner.Address())
	if err != nil {
		return nil, err
	}
	defer s.Close()

	issuer, err := s.newParty("issuer", 1)
	if err != nil {
		return nil, err
	}
	alice, err := s.newParty("alice", 2)
	if err != nil {
		return nil, err
	}
	bob, err := s.newParty("bob", 3)
	if err != nil {
		return nil, err
	}

	log.Info("=== Funding ===")
	supply := uint64(1000)
	if err := s.call(ctx, issuer, node.MethodMint, node.Mint{Token: s.token, To: issuer.signer.Address(), Amount: supply}); err != nil {
		return nil, err
	}
	if err := s.call(ctx, issuer, node.MethodApprove, node.Approve{Token: s.token, Spender: s.node.Vesting.Address(), Amount: &supply}); err != nil {
		return nil, err
	}

	log.Info("=== Schedules ===")
	if err := s.create(ctx, issuer, alice, 100, 50, 200); err != nil {
		return nil, err
	}
	if err := s.create(ctx, issuer, bob, 300, 100, 100); err != nil {
		return nil, err
	}
	if err := s.create(ctx, issuer, alice, 1, 1, 1); err != nil {
		log.WithError(err).Info("second schedule for the same pair rejected")
	} else {
		return nil, fmt.Errorf("duplicate schedule accepted")
	}
	if err := s.report(ctx, issuer, alice, bob); err != nil {
		return nil, err
	}

	log.Info("=== Partial releases ===")
	s.clock.Set(150)
	if err := s.release(ctx, bob, alice); err != nil {
		return nil, err
	}
	s.clock.Set(175)
	if err := s.release(ctx, bob, bob); err != nil {
		return nil, err
	}
	end, err := s.field(ctx, alice, vesting.FieldEnd)
	if err != nil {
		return nil, err
	}
	vested, err := s.vested(ctx, alice)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"end": end, "vested": vested}).Info("alice's schedule")
	if err := s.report(ctx, alice, bob); err != nil {
		return nil, err
	}

	log.Info("=== Final releases ===")
	s.clock.Set(300)
	for _, p := range []*party{alice, bob} {
		if err := s.release(ctx, p, p); err != nil {
			return nil, err
		}
	}

	sum := &Summary{}
	for _, b := range []struct {
		p   *party
		out *uint64
	}{{issuer, &sum.Issuer}, {alice, &sum.Alice}, {bob, &sum.Bob}} {
		if *b.out, err = s.balance(ctx, b.p); err != nil {
			return nil, err
		}
	}
	if sum.AliceReleased, err = s.field(ctx, alice, vesting.FieldReleased); err != nil {
		return nil, err
	}
	if sum.BobReleased, err = s.field(ctx, bob, vesting.FieldReleased); err != nil {
		return nil, err
	}
	if sum.Custody, err = s.node.BalanceOf(ctx, s.token, s.node.Vesting.Address()); err != nil {
		return nil, err
	}
	events, err := s.client.Events(ctx, 0)
	if err != nil {
		return nil, err
	}
	sum.Events = len(events)
	return sum, nil
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	sum, err := run(context.Background(), log)
	if err != nil {
		log.WithError(err).Error("scenario failed")
		os.Exit(1)
	}
	fmt.Printf("\n=== Scenario Complete ===\n")
	fmt.Printf("issuer:  %d\n", sum.Issuer)
	fmt.Printf("alice:   %d (released %d)\n", sum.Alice, sum.AliceReleased)
	fmt.Printf("bob:     %d (released %d)\n", sum.Bob, sum.BobReleased)
	fmt.Printf("custody: %d\n", sum.Custody)
	fmt.Printf("events:  %d\n", sum.Events)
}
