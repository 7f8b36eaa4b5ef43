// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace          = "cacsi"
	authoritySubsystem = "authority"
	driverSubsystem    = "driver"

	OutcomeLabel = "outcome"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Registry collects all metrics of this module, plus the standard Go and
// process collectors.
var Registry = newRegistry()

var (
	CertificatesIssued = registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: authoritySubsystem,
		Name:      "certificates_issued_total",
		Help:      "Number of leaf certificates issued",
	}))

	CertificatesRenewed = registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: authoritySubsystem,
		Name:      "certificates_renewed_total",
		Help:      "Number of leaf certificates re-signed",
	}))

	CertificatesRevoked = registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: authoritySubsystem,
		Name:      "certificates_revoked_total",
		Help:      "Number of certificate records dropped on revocation",
	}))

	SigningFailures = registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: authoritySubsystem,
		Name:      "signing_failures_total",
		Help:      "Number of issue or renew requests that failed",
	}))

	CAReloads = registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: authoritySubsystem,
		Name:      "ca_reloads_total",
		Help:      "Number of CA reload attempts by outcome",
	}, []string{OutcomeLabel}))

	RegistrySize = registerGauge(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: authoritySubsystem,
		Name:      "registry_size",
		Help:      "Number of certificate records currently registered",
	}))

	VolumesPublished = registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: driverSubsystem,
		Name:      "volumes_published_total",
		Help:      "Number of volumes published with a certificate",
	}))

	VolumePublishFailures = registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: driverSubsystem,
		Name:      "volume_publish_failures_total",
		Help:      "Number of volume publish requests that failed",
	}))

	VolumesUnpublished = registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: driverSubsystem,
		Name:      "volumes_unpublished_total",
		Help:      "Number of volumes unpublished",
	}))

	RenewalsCompleted = registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: driverSubsystem,
		Name:      "renewals_completed_total",
		Help:      "Number of certificates renewed and rewritten by the monitor",
	}))

	RenewalFailures = registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: driverSubsystem,
		Name:      "renewal_failures_total",
		Help:      "Number of renewal attempts that failed",
	}))

	RenewalCycleRecords = registerGauge(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: driverSubsystem,
		Name:      "renewal_cycle_records",
		Help:      "Number of certificate records scanned in the last renewal cycle",
	}))
)

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func registerCounter(counter prometheus.Counter) prometheus.Counter {
	if err := Registry.Register(counter); err != nil {
		if existsErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return existsErr.ExistingCollector.(prometheus.Counter)
		}

		panic(fmt.Errorf("failed to register counter: %w", err))
	}

	return counter
}

func registerCounterVec(counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := Registry.Register(counter); err != nil {
		if existsErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return existsErr.ExistingCollector.(*prometheus.CounterVec)
		}

		panic(fmt.Errorf("failed to register counter vec: %w", err))
	}

	return counter
}

func registerGauge(gauge prometheus.Gauge) prometheus.Gauge {
	if err := Registry.Register(gauge); err != nil {
		if existsErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return existsErr.ExistingCollector.(prometheus.Gauge)
		}

		panic(fmt.Errorf("failed to register gauge: %w", err))
	}

	return gauge
}
