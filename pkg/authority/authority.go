// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package authority implements the certificate signing authority: it custodies
// the CA, signs pod-scoped leaf certificates and tracks them in a registry.
package authority

import (
	"context"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/akuzo/cacsi/pkg/authority/api"
	"github.com/akuzo/cacsi/pkg/certificates"
	"github.com/akuzo/cacsi/pkg/registry"
	ulog "github.com/akuzo/cacsi/pkg/utils/log"
	"github.com/akuzo/cacsi/pkg/utils/metrics"
)

// ErrUnknownCertificate is returned for operations referencing a certificate ID
// that was never issued or has been revoked.
var ErrUnknownCertificate = pkgerrors.New("unknown certificate")

// Authority signs leaf certificates with the custodied CA and keeps a record
// of every certificate it issued.
type Authority struct {
	custodian *certificates.Custodian
	registry  *registry.Registry
}

// New returns an Authority backed by the given custodian and registry.
func New(custodian *certificates.Custodian, reg *registry.Registry) *Authority {
	return &Authority{
		custodian: custodian,
		registry:  reg,
	}
}

// IssueCertificate signs a new leaf certificate and registers it. Issuing
// again under an already known certificate ID replaces the record.
func (a *Authority) IssueCertificate(ctx context.Context, req api.IssueCertificateRequest) (*api.CertificateResponse, error) {
	if req.CertificateID == "" {
		return nil, pkgerrors.Wrap(certificates.ErrInvalidParams, "certificate_id is required")
	}

	days := req.ValidityDays
	if days == 0 {
		days = certificates.DefaultValidityDays
	}

	ca, err := a.custodian.CA()
	if err != nil {
		return nil, err
	}

	issued, err := certificates.Issue(ca, certificates.IssueParams{
		CommonName:          req.CommonName,
		DNSNames:            req.DNSNames,
		IPAddresses:         req.IPAddresses,
		OrganizationalUnits: req.OrganizationalUnits,
		ValidityDays:        days,
	})
	if err != nil {
		metrics.SigningFailures.Inc()
		return nil, err
	}

	a.registry.Upsert(registry.CertificateRecord{
		CertificateID:       req.CertificateID,
		CommonName:          req.CommonName,
		DNSNames:            req.DNSNames,
		OrganizationalUnits: req.OrganizationalUnits,
		NotBefore:           issued.NotBefore,
		NotAfter:            issued.NotAfter,
		Metadata:            req.Metadata,
	})
	metrics.CertificatesIssued.Inc()
	metrics.RegistrySize.Set(float64(a.registry.Len()))

	ulog.FromContext(ctx).Info("Issued certificate",
		"certificate_id", req.CertificateID,
		"common_name", req.CommonName,
		"dns_names", req.DNSNames,
		"not_after", issued.NotAfter,
	)

	return &api.CertificateResponse{
		CertificateID:  req.CertificateID,
		CertificatePEM: string(issued.CertPEM),
		PrivateKeyPEM:  string(issued.KeyPEM),
		NotBefore:      issued.NotBefore,
		NotAfter:       issued.NotAfter,
	}, nil
}

// RenewCertificate re-signs the stored subject of a known certificate and
// updates only the validity bounds of its record. IP SANs present on the
// original certificate are not carried over.
func (a *Authority) RenewCertificate(ctx context.Context, certificateID string, validityDays int) (*api.CertificateResponse, error) {
	record, ok := a.registry.Get(certificateID)
	if !ok {
		return nil, pkgerrors.Wrapf(ErrUnknownCertificate, "can't renew %s", certificateID)
	}

	days := validityDays
	if days == 0 {
		days = certificates.DefaultValidityDays
	}

	ca, err := a.custodian.CA()
	if err != nil {
		return nil, err
	}

	issued, err := certificates.Issue(ca, certificates.IssueParams{
		CommonName:          record.CommonName,
		DNSNames:            record.DNSNames,
		OrganizationalUnits: record.OrganizationalUnits,
		ValidityDays:        days,
	})
	if err != nil {
		metrics.SigningFailures.Inc()
		return nil, err
	}

	a.registry.UpdateValidity(certificateID, issued.NotBefore, issued.NotAfter)
	metrics.CertificatesRenewed.Inc()

	ulog.FromContext(ctx).Info("Renewed certificate",
		"certificate_id", certificateID,
		"common_name", record.CommonName,
		"not_after", issued.NotAfter,
	)

	return &api.CertificateResponse{
		CertificateID:  certificateID,
		CertificatePEM: string(issued.CertPEM),
		PrivateKeyPEM:  string(issued.KeyPEM),
		NotBefore:      issued.NotBefore,
		NotAfter:       issued.NotAfter,
	}, nil
}

// RevokeCertificate drops the record of a certificate. Revoking an unknown ID
// is not an error. It reports whether a record existed.
func (a *Authority) RevokeCertificate(ctx context.Context, certificateID string) bool {
	_, existed := a.registry.Get(certificateID)
	a.registry.Remove(certificateID)
	if existed {
		metrics.CertificatesRevoked.Inc()
		metrics.RegistrySize.Set(float64(a.registry.Len()))
	}

	ulog.FromContext(ctx).Info("Revoked certificate",
		"certificate_id", certificateID,
		"existed", existed,
	)
	return existed
}

// CertificateInfo returns the record of a known certificate.
func (a *Authority) CertificateInfo(_ context.Context, certificateID string) (*api.CertificateInfoResponse, error) {
	record, ok := a.registry.Get(certificateID)
	if !ok {
		return nil, pkgerrors.Wrapf(ErrUnknownCertificate, "no record for %s", certificateID)
	}

	return &api.CertificateInfoResponse{
		CertificateID:       record.CertificateID,
		CommonName:          record.CommonName,
		DNSNames:            record.DNSNames,
		OrganizationalUnits: record.OrganizationalUnits,
		NotBefore:           record.NotBefore,
		NotAfter:            record.NotAfter,
		IsValid:             record.IsValid(time.Now()),
		Metadata:            record.Metadata,
	}, nil
}

// ReloadCA re-reads the CA secret. On failure the previously loaded CA stays
// in place and the authority keeps signing with it.
func (a *Authority) ReloadCA(ctx context.Context) error {
	if err := a.custodian.Load(ctx); err != nil {
		metrics.CAReloads.WithLabelValues(metrics.OutcomeFailure).Inc()
		return err
	}
	metrics.CAReloads.WithLabelValues(metrics.OutcomeSuccess).Inc()
	return nil
}

// Ready indicates whether the authority can sign, i.e. its CA is loaded.
func (a *Authority) Ready() bool {
	return a.custodian.Loaded()
}
