// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/akuzo/cacsi/pkg/authority/api"
	ulog "github.com/akuzo/cacsi/pkg/utils/log"
)

var log = ulog.Log.WithName("authority-client")

// DefaultTimeout bounds a single authority API call.
const DefaultTimeout = 30 * time.Second

// Client issues requests against the certificate authority API.
type Client interface {
	// IssueCertificate requests a new certificate signed by the authority CA.
	IssueCertificate(ctx context.Context, req api.IssueCertificateRequest) (*api.CertificateResponse, error)
	// RenewCertificate reissues the certificate registered under certificateID
	// with a fresh validity window. A validityDays of 0 means the authority
	// default.
	RenewCertificate(ctx context.Context, certificateID string, validityDays int) (*api.CertificateResponse, error)
	// RevokeCertificate removes the certificate from the authority registry.
	// Revoking an unknown certificate is not an error.
	RevokeCertificate(ctx context.Context, certificateID string) error
	// CertificateInfo returns the registered state of a certificate.
	CertificateInfo(ctx context.Context, certificateID string) (*api.CertificateInfoResponse, error)
	// Close idle connections in the underlying http client.
	Close()
}

type baseClient struct {
	HTTP     *http.Client
	Endpoint string
}

// NewClient creates a Client for the authority reachable at endpoint,
// e.g. http://cacsi-authority:8080.
func NewClient(endpoint string, timeout time.Duration) Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &baseClient{
		HTTP:     &http.Client{Timeout: timeout},
		Endpoint: strings.TrimRight(endpoint, "/"),
	}
}

func (c *baseClient) IssueCertificate(ctx context.Context, req api.IssueCertificateRequest) (*api.CertificateResponse, error) {
	var resp api.CertificateResponse
	if err := c.post(ctx, "/v1/certificates", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *baseClient) RenewCertificate(ctx context.Context, certificateID string, validityDays int) (*api.CertificateResponse, error) {
	var resp api.CertificateResponse
	path := "/v1/certificates/" + url.PathEscape(certificateID) + "/renew"
	if err := c.post(ctx, path, api.RenewCertificateRequest{ValidityDays: validityDays}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *baseClient) RevokeCertificate(ctx context.Context, certificateID string) error {
	return c.delete(ctx, "/v1/certificates/"+url.PathEscape(certificateID))
}

func (c *baseClient) CertificateInfo(ctx context.Context, certificateID string) (*api.CertificateInfoResponse, error) {
	var resp api.CertificateInfoResponse
	if err := c.get(ctx, "/v1/certificates/"+url.PathEscape(certificateID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close idle connections in the underlying http client.
// Should be called once this client is not used anymore.
func (c *baseClient) Close() {
	if c.HTTP != nil {
		// When the http transport goes out of scope, the underlying goroutines
		// responsible for handling keep-alive connections are not closed
		// automatically, which would leak them. Close idle connections
		// explicitly.
		c.HTTP.CloseIdleConnections()
	}
}

func (c *baseClient) doRequest(ctx context.Context, request *http.Request) (*http.Response, error) {
	withContext := request.WithContext(ctx)
	withContext.Header.Set("Content-Type", "application/json; charset=utf-8")

	log.V(1).Info(
		"Authority HTTP request",
		"method", request.Method,
		"url", request.URL.Redacted(),
	)
	response, err := c.HTTP.Do(withContext)
	if err != nil {
		return response, newDecoratedHTTPError(request, err)
	}

	// Check HTTP code in the authority response.
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return response, newDecoratedHTTPError(request, newAPIError(ctx, response))
	}

	return response, nil
}

func (c *baseClient) get(ctx context.Context, pathWithQuery string, out interface{}) error {
	return c.request(ctx, http.MethodGet, pathWithQuery, nil, out)
}

func (c *baseClient) post(ctx context.Context, pathWithQuery string, in, out interface{}) error {
	return c.request(ctx, http.MethodPost, pathWithQuery, in, out)
}

func (c *baseClient) delete(ctx context.Context, pathWithQuery string) error {
	return c.request(ctx, http.MethodDelete, pathWithQuery, nil, nil)
}

// request performs a new http request
//
// if requestObj is not nil, it's marshalled as JSON and used as the request body
// if responseObj is not nil, it should be a pointer to an struct. The response body will be unmarshalled from JSON
// into this struct if the status code of the response is 2xx.
func (c *baseClient) request(
	ctx context.Context,
	method string,
	pathWithQuery string,
	requestObj,
	responseObj interface{},
) error {
	var body io.Reader = http.NoBody
	if requestObj != nil {
		outData, err := json.Marshal(requestObj)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(outData)
	}

	request, err := http.NewRequest(method, c.Endpoint+pathWithQuery, body) //nolint:noctx
	if err != nil {
		return err
	}

	resp, err := c.doRequest(ctx, request)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	if responseObj != nil {
		if err := json.NewDecoder(resp.Body).Decode(responseObj); err != nil {
			return err
		}
	}

	return nil
}
