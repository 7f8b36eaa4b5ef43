// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package certificates

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	cryptorand "crypto/rand"
	"crypto/x509/pkix"
	"sync"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecretSource struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func (f *fakeSecretSource) GetSecretData(_ context.Context, _, _ string) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func (f *fakeSecretSource) set(data map[string][]byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = data
	f.err = err
}

func caSecretData(t *testing.T, ca *CA) map[string][]byte {
	t.Helper()
	keyPEM, err := EncodePEMPrivateKey(ca.PrivateKey)
	require.NoError(t, err)
	return map[string][]byte{
		CertFileName: EncodePEMCert(ca.Cert.Raw),
		KeyFileName:  keyPEM,
	}
}

func TestCustodian_NotLoaded(t *testing.T) {
	custodian := NewCustodian(&fakeSecretSource{}, "kube-system", "csi-ca-secret")

	assert.False(t, custodian.Loaded())
	_, err := custodian.CA()
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestCustodian_Load(t *testing.T) {
	validData := caSecretData(t, testCA)

	tests := []struct {
		name    string
		data    map[string][]byte
		wantErr string
	}{
		{
			name: "valid tls.crt and tls.key",
			data: validData,
		},
		{
			name:    "missing private key",
			data:    map[string][]byte{CertFileName: validData[CertFileName]},
			wantErr: "can't find private key",
		},
		{
			name:    "missing certificate",
			data:    map[string][]byte{KeyFileName: validData[KeyFileName]},
			wantErr: "can't find certificate",
		},
		{
			name: "private key is not text",
			data: map[string][]byte{
				CertFileName: validData[CertFileName],
				KeyFileName:  {0xff, 0xfe, 0xfd},
			},
			wantErr: "not valid UTF-8 text",
		},
		{
			name: "private key is not PEM",
			data: map[string][]byte{
				CertFileName: validData[CertFileName],
				KeyFileName:  []byte("clearly not a key"),
			},
			wantErr: "can't parse private key",
		},
		{
			name: "certificate is not PEM",
			data: map[string][]byte{
				CertFileName: []byte("clearly not a cert"),
				KeyFileName:  validData[KeyFileName],
			},
			wantErr: "only expected one PEM formatted CA certificate",
		},
		{
			name: "more than one certificate",
			data: map[string][]byte{
				CertFileName: EncodePEMCert(testCA.Cert.Raw, testCA.Cert.Raw),
				KeyFileName:  validData[KeyFileName],
			},
			wantErr: "only expected one PEM formatted CA certificate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			custodian := NewCustodian(&fakeSecretSource{data: tt.data}, "kube-system", "csi-ca-secret")
			err := custodian.Load(context.Background())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.False(t, custodian.Loaded())
				return
			}
			require.NoError(t, err)
			require.True(t, custodian.Loaded())
			ca, err := custodian.CA()
			require.NoError(t, err)
			assert.Equal(t, testCA.Cert.SerialNumber, ca.Cert.SerialNumber)
		})
	}
}

func TestCustodian_LoadECDSAKey(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), cryptorand.Reader)
	require.NoError(t, err)
	ecCA, err := NewSelfSignedCA(CABuilderOptions{
		Subject:    pkix.Name{CommonName: "ec-ca"},
		PrivateKey: ecKey,
	})
	require.NoError(t, err)

	custodian := NewCustodian(&fakeSecretSource{data: caSecretData(t, ecCA)}, "kube-system", "csi-ca-secret")
	require.NoError(t, custodian.Load(context.Background()))

	ca, err := custodian.CA()
	require.NoError(t, err)
	assert.IsType(t, &ecdsa.PrivateKey{}, ca.PrivateKey)
}

func TestCustodian_FailedReloadKeepsPreviousCA(t *testing.T) {
	source := &fakeSecretSource{data: caSecretData(t, testCA)}
	custodian := NewCustodian(source, "kube-system", "csi-ca-secret")
	require.NoError(t, custodian.Load(context.Background()))

	// fetch failure
	source.set(nil, pkgerrors.New("apiserver unavailable"))
	require.Error(t, custodian.Load(context.Background()))
	ca, err := custodian.CA()
	require.NoError(t, err)
	assert.Equal(t, testCA.Cert.SerialNumber, ca.Cert.SerialNumber)

	// parse failure
	source.set(map[string][]byte{CertFileName: []byte("junk"), KeyFileName: []byte("junk")}, nil)
	require.Error(t, custodian.Load(context.Background()))
	ca, err = custodian.CA()
	require.NoError(t, err)
	assert.Equal(t, testCA.Cert.SerialNumber, ca.Cert.SerialNumber)
}

func TestCustodian_ReloadSwapsCA(t *testing.T) {
	source := &fakeSecretSource{data: caSecretData(t, testCA)}
	custodian := NewCustodian(source, "kube-system", "csi-ca-secret")
	require.NoError(t, custodian.Load(context.Background()))

	replacement, err := NewSelfSignedCA(CABuilderOptions{Subject: pkix.Name{CommonName: "rotated-ca"}})
	require.NoError(t, err)
	source.set(caSecretData(t, replacement), nil)

	require.NoError(t, custodian.Load(context.Background()))
	ca, err := custodian.CA()
	require.NoError(t, err)
	assert.Equal(t, replacement.Cert.SerialNumber, ca.Cert.SerialNumber)
	assert.Equal(t, "rotated-ca", ca.Cert.Subject.CommonName)
}

func TestCustodian_ConcurrentReadersDuringReload(t *testing.T) {
	source := &fakeSecretSource{data: caSecretData(t, testCA)}
	custodian := NewCustodian(source, "kube-system", "csi-ca-secret")
	require.NoError(t, custodian.Load(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ca, err := custodian.CA()
				assert.NoError(t, err)
				// a reader must always observe a matching cert and key pair
				assert.NotNil(t, ca.Cert)
				assert.NotNil(t, ca.PrivateKey)
			}
		}()
	}
	for j := 0; j < 20; j++ {
		require.NoError(t, custodian.Load(context.Background()))
	}
	wg.Wait()
}
