package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"confidentialvesting/internal/address"
	"confidentialvesting/internal/chain"
	"confidentialvesting/internal/fhe"
	"confidentialvesting/internal/identity"
	"confidentialvesting/internal/permit"
	"confidentialvesting/internal/seal"
	"confidentialvesting/internal/vesting"
)

type TokenInfo struct {
	Address address.Address `json:"address"`
	Name    string          `json:"name"`
	Symbol  string          `json:"symbol"`
	Owner   address.Address `json:"owner"`
}

type NetworkInfo struct {
	// NetworkKey is the base64url ML-KEM key inputs are sealed to.
	NetworkKey string          `json:"network_key"`
	ProofBits  []int           `json:"proof_bits"`
	Height     uint64          `json:"height"`
	Timestamp  uint64          `json:"timestamp"`
	Vesting    address.Address `json:"vesting"`
	// Domain is what envelopes submitted here must be signed for.
	Domain     address.Address `json:"domain"`
	Tokens     []TokenInfo     `json:"tokens"`
}

type ScheduleResponse struct {
	Exists      bool            `json:"exists"`
	Beneficiary address.Address `json:"beneficiary"`
	Token       address.Address `json:"token"`
	Record      *vesting.Record `json:"record,omitempty"`
}

// SealedRequest is the body of every sealed read. From is the caller the
// read runs as; the permission must have been issued by From.
type SealedRequest struct {
	From       address.Address    `json:"from"`
	Permission *permit.Permission `json:"permission"`
}

type SealedResponse struct {
	Sealed string `json:"sealed"`
}

type BalanceResponse struct {
	Token  address.Address `json:"token"`
	Holder address.Address `json:"holder"`
	// Handle is absent for holders that never received tokens.
	Handle *fhe.Ciphertext `json:"handle,omitempty"`
}

type EventsResponse struct {
	Events []chain.Event `json:"events"`
}

func addressParam(c *fiber.Ctx, name string) (address.Address, error) {
	a, err := address.Parse(c.Params(name))
	if err != nil {
		return address.Zero, badRequest(fmt.Errorf("%s: %w", name, err))
	}
	return a, nil
}

func pairParams(c *fiber.Ctx) (beneficiary, token address.Address, err error) {
	if beneficiary, err = addressParam(c, "beneficiary"); err != nil {
		return
	}
	token, err = addressParam(c, "token")
	return
}

func sealedRequest(c *fiber.Ctx) (*SealedRequest, error) {
	var req SealedRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, badRequest(err)
	}
	if req.Permission == nil {
		return nil, Error{Code: fiber.StatusForbidden, Message: "permission required"}
	}
	return &req, nil
}

func (s *Server) healthcheck(c *fiber.Ctx) error {
	if s.config.Health != nil {
		ok, body := s.config.Health()
		if !ok {
			return c.Status(fiber.StatusServiceUnavailable).JSON(body)
		}
		return c.JSON(body)
	}
	if err := s.node.Store.Ping(); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unhealthy", "error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "healthy", "height": s.node.Chain.Height()})
}

func (s *Server) metrics(c *fiber.Ctx) error {
	if s.config.Metrics != nil {
		return c.JSON(s.config.Metrics())
	}
	return c.JSON(fiber.Map{"fhe_ops": s.node.Coprocessor.Stats()})
}

func (s *Server) networkKey(c *fiber.Ctx) error {
	info := NetworkInfo{
		NetworkKey: seal.ToBase64URL(s.node.NetworkKey()),
		ProofBits:  s.node.Proofs.Bits(),
		Height:     s.node.Chain.Height(),
		Timestamp:  s.node.Chain.Timestamp(),
		Vesting:    s.node.Vesting.Address(),
		Domain:     s.node.Domain(),
	}
	for _, t := range s.node.Tokens.All() {
		info.Tokens = append(info.Tokens, TokenInfo{Address: t.Address(), Name: t.Name(), Symbol: t.Symbol(), Owner: t.Owner()})
	}
	return c.JSON(info)
}

func (s *Server) submit(c *fiber.Ctx) error {
	var e identity.Envelope
	if err := c.BodyParser(&e); err != nil {
		return badRequest(err)
	}
	start := time.Now()
	receipt, err := s.node.Submit(c.UserContext(), &e)
	if s.config.OnCall != nil {
		s.config.OnCall(e.Method, time.Since(start), err)
	}
	if err != nil {
		return err
	}
	return c.JSON(receipt)
}

func (s *Server) events(c *fiber.Ctx) error {
	from := c.QueryInt("from", 0)
	if from < 0 {
		return badRequest(fmt.Errorf("from must not be negative"))
	}
	events, err := s.node.Chain.Events(uint64(from))
	if err != nil {
		return err
	}
	if events == nil {
		events = []chain.Event{}
	}
	return c.JSON(EventsResponse{Events: events})
}

func (s *Server) schedule(c *fiber.Ctx) error {
	beneficiary, tok, err := pairParams(c)
	if err != nil {
		return err
	}
	r, err := s.node.Schedule(c.UserContext(), beneficiary, tok)
	if err != nil {
		return err
	}
	resp := ScheduleResponse{Exists: r.Exists(), Beneficiary: beneficiary, Token: tok}
	if r.Exists() {
		resp.Record = &r
	}
	return c.JSON(resp)
}

func (s *Server) sealedField(c *fiber.Ctx) error {
	beneficiary, tok, err := pairParams(c)
	if err != nil {
		return err
	}
	field, err := vesting.ParseField(c.Params("field"))
	if err != nil {
		return Error{Code: fiber.StatusNotFound, Message: err.Error()}
	}
	req, err := sealedRequest(c)
	if err != nil {
		return err
	}
	sealed, err := s.node.SealedField(c.UserContext(), req.From, field, req.Permission, beneficiary, tok)
	if err != nil {
		return err
	}
	return c.JSON(SealedResponse{Sealed: sealed})
}

func (s *Server) sealedVested(c *fiber.Ctx) error {
	beneficiary, tok, err := pairParams(c)
	if err != nil {
		return err
	}
	req, err := sealedRequest(c)
	if err != nil {
		return err
	}
	sealed, err := s.node.SealedVested(c.UserContext(), req.From, req.Permission, beneficiary, tok)
	if err != nil {
		return err
	}
	return c.JSON(SealedResponse{Sealed: sealed})
}

func (s *Server) balance(c *fiber.Ctx) error {
	tok, err := addressParam(c, "token")
	if err != nil {
		return err
	}
	holder, err := addressParam(c, "holder")
	if err != nil {
		return err
	}
	ct, err := s.node.Balance(c.UserContext(), tok, holder)
	if err != nil {
		return err
	}
	resp := BalanceResponse{Token: tok, Holder: holder}
	if !ct.IsZero() {
		resp.Handle = &ct
	}
	return c.JSON(resp)
}

func (s *Server) sealedBalance(c *fiber.Ctx) error {
	tok, err := addressParam(c, "token")
	if err != nil {
		return err
	}
	holder, err := addressParam(c, "holder")
	if err != nil {
		return err
	}
	req, err := sealedRequest(c)
	if err != nil {
		return err
	}
	if req.From != holder {
		return fmt.Errorf("%w: balance of %s requested by %s", permit.ErrSubjectMismatch, holder, req.From)
	}
	sealed, err := s.node.SealedBalance(c.UserContext(), req.From, tok, req.Permission)
	if err != nil {
		return err
	}
	return c.JSON(SealedResponse{Sealed: sealed})
}
