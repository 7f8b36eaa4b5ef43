// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package registry

import "time"

// CertificateRecord tracks one issued certificate. The authority fills the
// subject attributes and metadata, the node driver additionally records where
// the certificate files live.
type CertificateRecord struct {
	CertificateID       string
	CommonName          string
	DNSNames            []string
	OrganizationalUnits []string
	NotBefore           time.Time
	NotAfter            time.Time
	MountPath           string
	Metadata            map[string]string
}

// NeedsRenewal reports whether less than a fifth of the certificate lifetime
// remains at the given instant. Exactly one fifth remaining is not due yet.
func (r CertificateRecord) NeedsRenewal(now time.Time) bool {
	lifetime := r.NotAfter.Sub(r.NotBefore)
	remaining := r.NotAfter.Sub(now)
	return remaining*5 < lifetime
}

// ExpiresWithin reports whether the certificate expires within the given window.
func (r CertificateRecord) ExpiresWithin(now time.Time, window time.Duration) bool {
	return r.NotAfter.Sub(now) <= window
}

// IsValid reports whether now falls within the certificate validity bounds.
func (r CertificateRecord) IsValid(now time.Time) bool {
	return !now.Before(r.NotBefore) && !now.After(r.NotAfter)
}
