// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/akuzo/cacsi/pkg/authority/api"
	ulog "github.com/akuzo/cacsi/pkg/utils/log"
)

// newAPIError converts a non 2xx HTTP response into an api.Error, attempting
// to parse the body to include the details about the failure.
func newAPIError(ctx context.Context, response *http.Response) error {
	defer response.Body.Close()
	log := ulog.FromContext(ctx)
	apiError := &api.Error{
		Status:     response.Status,
		StatusCode: response.StatusCode,
	}
	body, err := io.ReadAll(response.Body)
	if err != nil {
		// We were not able to read the body, log this I/O error and return the API error with the status.
		log.Error(err, "Cannot read authority error response body")
		return apiError
	}

	var errorResponse api.ErrorResponse
	if err := json.Unmarshal(body, &errorResponse); err != nil {
		// Only log at the debug level, bodies produced by intermediaries are
		// not expected to follow the authority error structure.
		log.V(1).Info("Unexpected authority error response", "http.response.body.content", string(body))
		return apiError
	}
	apiError.ErrorResponse = errorResponse
	return apiError
}

func newDecoratedHTTPError(request *http.Request, err error) error {
	if request == nil {
		return err
	}
	return fmt.Errorf(`authority client failed for %s: %w`, request.URL.Redacted(), err)
}
