// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package driver

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCertificateFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "mount")

	require.NoError(t, WriteCertificateFiles(dir, []byte("CERT"), []byte("KEY")))

	cert, err := os.ReadFile(filepath.Join(dir, "tls.crt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("CERT"), cert)

	key, err := os.ReadFile(filepath.Join(dir, "tls.key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("KEY"), key)

	certInfo, err := os.Stat(filepath.Join(dir, "tls.crt"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o644), certInfo.Mode().Perm())

	keyInfo, err := os.Stat(filepath.Join(dir, "tls.key"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), keyInfo.Mode().Perm())
}

func TestWriteCertificateFiles_Overwrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "mount")

	require.NoError(t, WriteCertificateFiles(dir, []byte("CERT-1"), []byte("KEY-1")))
	require.NoError(t, WriteCertificateFiles(dir, []byte("CERT-2"), []byte("KEY-2")))

	cert, err := os.ReadFile(filepath.Join(dir, "tls.crt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("CERT-2"), cert)

	key, err := os.ReadFile(filepath.Join(dir, "tls.key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("KEY-2"), key)

	// No temporary files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestWriteFileAtomic_CleansUpOnFailure(t *testing.T) {
	dir := t.TempDir()

	// Renaming over an existing directory fails after the temp file was
	// written, the temp file must not survive.
	target := filepath.Join(dir, "occupied")
	require.NoError(t, os.Mkdir(target, 0o755))

	err := writeFileAtomic(target, []byte("data"), 0o644)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "occupied", entries[0].Name())
}
