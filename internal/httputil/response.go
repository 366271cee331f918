package httputil

import (
	"github.com/gofiber/fiber/v3"
)

// Code identifies a class of API failure for machine consumption, distinct from the free-text Message meant for
// humans.
type Code string

const (
	CodeValidationError Code = "VALIDATION_ERROR"
	CodeInvalidBody     Code = "INVALID_BODY"
	CodeUnauthorised    Code = "UNAUTHORISED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeInternalError   Code = "INTERNAL_ERROR"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorBody holds structured error details.
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends a JSON error response with the given status, code, and message.
func Fail(c fiber.Ctx, status int, code Code, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
		},
	})
}
