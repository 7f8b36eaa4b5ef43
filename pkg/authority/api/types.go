// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package api holds the wire types of the certificate authority HTTP API.
package api

import "time"

// IssueCertificateRequest asks the authority to sign a new leaf certificate.
type IssueCertificateRequest struct {
	CertificateID       string            `json:"certificate_id"`
	CommonName          string            `json:"common_name"`
	DNSNames            []string          `json:"dns_names,omitempty"`
	IPAddresses         []string          `json:"ip_addresses,omitempty"`
	OrganizationalUnits []string          `json:"organizational_units,omitempty"`
	ValidityDays        int               `json:"validity_days,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// RenewCertificateRequest asks the authority to re-sign a known certificate.
type RenewCertificateRequest struct {
	ValidityDays int `json:"validity_days,omitempty"`
}

// CertificateResponse carries freshly issued certificate material. The
// certificate PEM contains the leaf certificate only.
type CertificateResponse struct {
	CertificateID  string    `json:"certificate_id"`
	CertificatePEM string    `json:"certificate_pem"`
	PrivateKeyPEM  string    `json:"private_key_pem"`
	NotBefore      time.Time `json:"not_before"`
	NotAfter       time.Time `json:"not_after"`
}

// RevokeCertificateResponse acknowledges a revocation. Revoked is false when
// the certificate ID was not known, which is not an error.
type RevokeCertificateResponse struct {
	Revoked bool `json:"revoked"`
}

// CertificateInfoResponse describes a registered certificate.
type CertificateInfoResponse struct {
	CertificateID       string            `json:"certificate_id"`
	CommonName          string            `json:"common_name"`
	DNSNames            []string          `json:"dns_names,omitempty"`
	OrganizationalUnits []string          `json:"organizational_units,omitempty"`
	NotBefore           time.Time         `json:"not_before"`
	NotAfter            time.Time         `json:"not_after"`
	IsValid             bool              `json:"is_valid"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}
