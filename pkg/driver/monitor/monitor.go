// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package monitor renews published certificates before they expire and
// rewrites the mounted PEM files in place.
package monitor

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	pkgerrors "github.com/pkg/errors"

	"github.com/akuzo/cacsi/pkg/authority/api"
	"github.com/akuzo/cacsi/pkg/registry"
	ulog "github.com/akuzo/cacsi/pkg/utils/log"
	"github.com/akuzo/cacsi/pkg/utils/metrics"
)

const (
	// DefaultInterval is how often the registry is scanned for certificates
	// due for renewal.
	DefaultInterval = 5 * time.Minute

	// renewalValidityDays is the lifetime requested on renewal.
	renewalValidityDays = 7

	// expiryWarningWindow flags certificates close to expiry that are not
	// being picked up for renewal, e.g. because renewals keep failing.
	expiryWarningWindow = 48 * time.Hour
)

var log = ulog.Log.WithName("renewal-monitor")

// Renewer is the authority operation the monitor needs. Satisfied by the
// authority client.
type Renewer interface {
	RenewCertificate(ctx context.Context, certificateID string, validityDays int) (*api.CertificateResponse, error)
}

// PersistFunc writes renewed certificate material under a mount path.
type PersistFunc func(dir string, certPEM, keyPEM []byte) error

// Monitor walks the registry and renews certificates past 80% of their
// lifetime.
type Monitor struct {
	registry *registry.Registry
	renewer  Renewer
	persist  PersistFunc
	interval time.Duration
}

// New creates a Monitor scanning reg every interval. An interval of 0 means
// DefaultInterval.
func New(reg *registry.Registry, renewer Renewer, persist PersistFunc, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		registry: reg,
		renewer:  renewer,
		persist:  persist,
		interval: interval,
	}
}

// Start runs renewal cycles until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	log.Info("Starting renewal monitor", "interval", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping renewal monitor")
			return
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

// runCycle scans a point-in-time snapshot of the registry, so registry locks
// are never held across authority calls. A failing record does not stop the
// cycle, failures are aggregated into one summary.
func (m *Monitor) runCycle(ctx context.Context) {
	now := time.Now()
	records := m.registry.Snapshot()
	metrics.RenewalCycleRecords.Set(float64(len(records)))

	var errs *multierror.Error
	renewed := 0
	for _, record := range records {
		// Shutdown must not wait for the rest of the scan.
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !record.NeedsRenewal(now) {
			if record.ExpiresWithin(now, expiryWarningWindow) {
				log.Info("Certificate is close to expiry",
					"certificate_id", record.CertificateID,
					"expires", record.NotAfter,
				)
			}
			continue
		}

		if err := m.renewOne(ctx, record); err != nil {
			metrics.RenewalFailures.Inc()
			log.Error(err, "Failed to renew certificate", "certificate_id", record.CertificateID)
			errs = multierror.Append(errs, err)
			continue
		}
		renewed++
		metrics.RenewalsCompleted.Inc()
	}

	if err := errs.ErrorOrNil(); err != nil {
		log.Error(err, "Renewal cycle completed with failures", "records", len(records), "renewed", renewed)
		return
	}
	if renewed > 0 {
		log.Info("Renewal cycle completed", "records", len(records), "renewed", renewed)
	}
}

func (m *Monitor) renewOne(ctx context.Context, record registry.CertificateRecord) error {
	resp, err := m.renewer.RenewCertificate(ctx, record.CertificateID, renewalValidityDays)
	if err != nil {
		return pkgerrors.Wrapf(err, "while renewing %s", record.CertificateID)
	}

	if err := m.persist(record.MountPath, []byte(resp.CertificatePEM), []byte(resp.PrivateKeyPEM)); err != nil {
		return pkgerrors.Wrapf(err, "while persisting renewed certificate %s to %s", record.CertificateID, record.MountPath)
	}

	if !m.registry.UpdateValidity(record.CertificateID, resp.NotBefore, resp.NotAfter) {
		// The volume was unpublished while the renewal was in flight.
		log.V(1).Info("Renewed certificate is no longer registered", "certificate_id", record.CertificateID)
	}
	return nil
}
