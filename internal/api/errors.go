package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"confidentialvesting/internal/address"
	"confidentialvesting/internal/chain"
	"confidentialvesting/internal/fhe"
	"confidentialvesting/internal/identity"
	"confidentialvesting/internal/node"
	"confidentialvesting/internal/permit"
	"confidentialvesting/internal/seal"
	"confidentialvesting/internal/token"
	"confidentialvesting/internal/vesting"
)

// Error is the body of every non-2xx response.
type Error struct {
	Code    int    `json:"-"`
	Message string `json:"error"`
}

func (e Error) Error() string {
	return e.Message
}

func badRequest(err error) Error {
	return Error{Code: fiber.StatusUnprocessableEntity, Message: err.Error()}
}

var statusOf = []struct {
	status int
	errs   []error
}{
	{fiber.StatusConflict, []error{vesting.ErrDuplicateSchedule, chain.ErrStaleNonce}},
	{fiber.StatusUnauthorized, []error{identity.ErrSignatureVerificationFailed, identity.ErrInvalidPublicKey}},
	{fiber.StatusForbidden, []error{permit.ErrPermissionInvalid, permit.ErrSubjectMismatch, token.ErrNotOwner}},
	{fiber.StatusNotFound, []error{vesting.ErrScheduleNotFound, vesting.ErrUnknownToken}},
	{fiber.StatusUnprocessableEntity, []error{
		vesting.ErrZeroBeneficiary,
		vesting.ErrInputWidth,
		fhe.ErrInvalidInput,
		fhe.ErrValueOverflow,
		fhe.ErrWidthMismatch,
		fhe.ErrUnsupportedWidth,
		identity.ErrMalformedEnvelope,
		node.ErrUnknownMethod,
		node.ErrWrongDomain,
		chain.ErrNonceGap,
		address.ErrInvalidAddress,
		token.ErrZeroRecipient,
		token.ErrAmountWidth,
		chain.ErrZeroSender,
		seal.ErrInvalidPayload,
	}},
}

// asError maps domain errors onto status codes.
func asError(err error) (Error, bool) {
	var e Error
	if errors.As(err, &e) {
		return e, true
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return Error{Code: fe.Code, Message: fe.Message}, true
	}
	for _, s := range statusOf {
		for _, target := range s.errs {
			if errors.Is(err, target) {
				return Error{Code: s.status, Message: err.Error()}, true
			}
		}
	}
	return Error{}, false
}

// errorHandler renders errors as {"error": ...}. Client errors other than
// not-found and conflict are logged at info, server errors at error.
func errorHandler(log logrus.FieldLogger) fiber.ErrorHandler {
	return func(ctx *fiber.Ctx, err error) error {
		fields := logrus.Fields{"path": ctx.Path(), "method": ctx.Method(), "ip": ctx.IP()}
		if e, ok := asError(err); ok {
			if e.Code != fiber.StatusNotFound && e.Code != fiber.StatusConflict {
				log.WithFields(fields).WithField("code", e.Code).Info(strings.ReplaceAll(e.Message, "\n", "\\n"))
			}
			return ctx.Status(e.Code).JSON(e)
		}
		log.WithFields(fields).WithError(err).Error("internal error")
		return ctx.Status(fiber.StatusInternalServerError).JSON(Error{
			Code:    fiber.StatusInternalServerError,
			Message: "internal server error: " + err.Error(),
		})
	}
}
