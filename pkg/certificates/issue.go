// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package certificates

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/validation"

	netutil "github.com/akuzo/cacsi/pkg/utils/net"
)

// ErrInvalidParams flags issuance parameters the caller has to fix.
var ErrInvalidParams = pkgerrors.New("invalid certificate parameters")

const (
	// DefaultValidityDays is the lifetime applied when the caller does not ask for one.
	DefaultValidityDays = 7

	// OUSeparator joins multiple organizational unit values into the single OU
	// attribute of the subject. Consumers split on it to recover the original list.
	OUSeparator = " + "
)

// Subject attributes applied when the CA certificate does not carry them.
const (
	fallbackCountry      = "DK"
	fallbackOrganization = "Akuzo"
)

// IssueParams describes the identity of a leaf certificate to issue.
type IssueParams struct {
	CommonName          string
	DNSNames            []string
	IPAddresses         []string
	OrganizationalUnits []string
	ValidityDays        int
}

// IssuedCertificate is a freshly signed leaf certificate with its private key,
// both PEM encoded. CertPEM contains the leaf only, never the CA certificate.
type IssuedCertificate struct {
	CertPEM   []byte
	KeyPEM    []byte
	NotBefore time.Time
	NotAfter  time.Time
}

// Issue signs a new leaf certificate with the given CA.
//
// The subject is marshalled as C, O, OU, CN with the country and organization
// inherited from the CA certificate. DNS SANs must be valid DNS-1123
// subdomains. IP literals that do not parse are dropped from the SAN set. The
// leaf key pair is generated with the same implementation as the CA key.
func Issue(ca *CA, params IssueParams) (*IssuedCertificate, error) {
	if params.CommonName == "" {
		return nil, pkgerrors.Wrap(ErrInvalidParams, "common_name is required")
	}
	if params.ValidityDays <= 0 {
		return nil, pkgerrors.Wrapf(ErrInvalidParams, "validity_days must be positive, got %d", params.ValidityDays)
	}

	dnsNames := make([]string, 0, len(params.DNSNames))
	for _, name := range params.DNSNames {
		if msgs := validation.IsDNS1123Subdomain(name); len(msgs) > 0 {
			return nil, pkgerrors.Wrapf(ErrInvalidParams, "invalid DNS name %q: %s", name, strings.Join(msgs, ", "))
		}
		dnsNames = append(dnsNames, name)
	}

	ips := make([]net.IP, 0, len(params.IPAddresses))
	for _, raw := range params.IPAddresses {
		if ip := net.ParseIP(raw); ip != nil {
			ips = append(ips, netutil.IPToRFCForm(ip))
		}
	}

	leafKey, err := NewPrivateKey(ca.PrivateKey)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "while generating the certificate private key")
	}

	subject := pkix.Name{
		Country:      []string{firstOr(ca.Cert.Subject.Country, fallbackCountry)},
		Organization: []string{firstOr(ca.Cert.Subject.Organization, fallbackOrganization)},
		CommonName:   params.CommonName,
	}
	if len(params.OrganizationalUnits) > 0 {
		subject.OrganizationalUnit = []string{strings.Join(params.OrganizationalUnits, OUSeparator)}
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(time.Duration(params.ValidityDays) * 24 * time.Hour)

	certData, err := ca.CreateCertificate(ValidatedCertificateTemplate{
		Subject:               subject,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageKeyAgreement,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		PublicKey:             leafKey.Public(),
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "while signing the certificate")
	}

	keyPEM, err := EncodePEMPrivateKey(leafKey)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "while encoding the certificate private key")
	}

	return &IssuedCertificate{
		CertPEM:   EncodePEMCert(certData),
		KeyPEM:    keyPEM,
		NotBefore: notBefore,
		NotAfter:  notAfter,
	}, nil
}

func firstOr(values []string, fallback string) string {
	if len(values) > 0 {
		return values[0]
	}
	return fallback
}
