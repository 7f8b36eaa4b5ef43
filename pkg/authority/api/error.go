// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies an API failure.
type ErrorCode string

const (
	CodeInvalidArgument ErrorCode = "invalid_argument"
	CodeNotFound        ErrorCode = "not_found"
	CodeNotLoaded       ErrorCode = "not_loaded"
	CodeInternal        ErrorCode = "internal"
)

// ErrorResponse is the JSON body the authority returns for non-2xx responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine readable code and a human readable message.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error is a non 2xx response from the authority API.
type Error struct {
	Status        string
	StatusCode    int
	ErrorResponse ErrorResponse
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %+v", e.Status, e.ErrorResponse)
}

// Code returns the error code carried in the response body.
func (e *Error) Code() ErrorCode {
	return e.ErrorResponse.Error.Code
}

// IsNotFound checks whether the error was an HTTP 404 error.
func IsNotFound(err error) bool {
	return isHTTPError(err, http.StatusNotFound)
}

// IsInvalidArgument checks whether the error was an HTTP 400 error.
func IsInvalidArgument(err error) bool {
	return isHTTPError(err, http.StatusBadRequest)
}

// IsNotLoaded checks whether the authority rejected the request because its CA is not loaded yet.
func IsNotLoaded(err error) bool {
	apiErr := new(Error)
	if errors.As(err, &apiErr) {
		return apiErr.Code() == CodeNotLoaded
	}
	return false
}

func isHTTPError(err error, statusCode int) bool {
	apiErr := new(Error)
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == statusCode
	}
	return false
}
