// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package certificates

import (
	"context"
	"sync"
	"unicode/utf8"

	pkgerrors "github.com/pkg/errors"

	"github.com/akuzo/cacsi/pkg/utils/k8s"
	ulog "github.com/akuzo/cacsi/pkg/utils/log"
)

// ErrNotLoaded is returned when CA material is requested before the first successful load.
var ErrNotLoaded = pkgerrors.New("CA certificate and key are not loaded")

// Custodian keeps the signing CA in memory and replaces it wholesale on each
// successful (re)load. The CA private key never leaves the process and is
// never written anywhere.
type Custodian struct {
	source    k8s.SecretSource
	namespace string
	name      string

	mu sync.RWMutex
	ca *CA
}

// NewCustodian returns a Custodian reading its CA material from the given secret.
// No CA is available until the first successful Load.
func NewCustodian(source k8s.SecretSource, namespace, name string) *Custodian {
	return &Custodian{
		source:    source,
		namespace: namespace,
		name:      name,
	}
}

// Load fetches and parses the CA secret, then swaps the in-memory CA.
// Fetching and parsing happen outside the lock: when a reload fails the
// previously loaded CA stays in place and remains servable.
func (c *Custodian) Load(ctx context.Context) error {
	data, err := c.source.GetSecretData(ctx, c.namespace, c.name)
	if err != nil {
		return pkgerrors.Wrap(err, "while fetching CA secret")
	}
	ca, err := parseCASecret(data, c.namespace, c.name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ca = ca
	c.mu.Unlock()

	ulog.FromContext(ctx).Info("Loaded CA certificate",
		"secret_namespace", c.namespace,
		"secret_name", c.name,
		"subject", ca.Cert.Subject.String(),
		"not_after", ca.Cert.NotAfter,
	)
	return nil
}

// CA returns the currently loaded CA or ErrNotLoaded.
func (c *Custodian) CA() (*CA, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ca == nil {
		return nil, ErrNotLoaded
	}
	return c.ca, nil
}

// Loaded indicates whether a CA is currently available for signing.
func (c *Custodian) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ca != nil
}

// parseCASecret validates the secret entries and parses them into a CA.
func parseCASecret(data map[string][]byte, namespace, name string) (*CA, error) {
	key, exists := data[KeyFileName]
	if !exists {
		return nil, pkgerrors.Errorf("can't find private key %s in %s/%s", KeyFileName, namespace, name)
	}
	if !utf8.Valid(key) {
		return nil, pkgerrors.Errorf("private key %s in %s/%s is not valid UTF-8 text", KeyFileName, namespace, name)
	}
	privateKey, err := ParsePEMPrivateKey(key)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "can't parse private key %s in %s/%s", KeyFileName, namespace, name)
	}

	cert, exists := data[CertFileName]
	if !exists {
		return nil, pkgerrors.Errorf("can't find certificate %s in %s/%s", CertFileName, namespace, name)
	}
	if !utf8.Valid(cert) {
		return nil, pkgerrors.Errorf("certificate %s in %s/%s is not valid UTF-8 text", CertFileName, namespace, name)
	}
	certs, err := ParsePEMCerts(cert)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "can't parse CA certificate %s in %s/%s", CertFileName, namespace, name)
	}
	if len(certs) != 1 {
		return nil, pkgerrors.Errorf("only expected one PEM formatted CA certificate in %s/%s", namespace, name)
	}

	return NewCA(privateKey, certs[0]), nil
}
