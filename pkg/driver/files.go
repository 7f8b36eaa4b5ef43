// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package driver

import (
	"os"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"

	"github.com/akuzo/cacsi/pkg/certificates"
)

const (
	certFileMode = 0o644
	keyFileMode  = 0o600
	mountDirMode = 0o755
)

// WriteCertificateFiles writes the certificate and private key under dir as
// tls.crt and tls.key, creating dir if needed. Workloads may be reading the
// files while they are rewritten, so each file is replaced atomically.
func WriteCertificateFiles(dir string, certPEM, keyPEM []byte) error {
	if err := os.MkdirAll(dir, mountDirMode); err != nil {
		return pkgerrors.Wrapf(err, "while creating directory %s", dir)
	}
	if err := writeFileAtomic(filepath.Join(dir, certificates.CertFileName), certPEM, certFileMode); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, certificates.KeyFileName), keyPEM, keyFileMode)
}

// writeFileAtomic writes data to a temporary file in the target directory,
// then renames it into place so readers never observe a partial file.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return pkgerrors.Wrapf(err, "while creating temporary file in %s", dir)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	// CreateTemp creates the file with 0600, widen it before the content
	// lands at the final path.
	if err := tmpFile.Chmod(mode); err != nil {
		return pkgerrors.Wrapf(err, "while setting mode of %s", tmpPath)
	}
	if _, err := tmpFile.Write(data); err != nil {
		return pkgerrors.Wrapf(err, "while writing %s", tmpPath)
	}
	if err := tmpFile.Sync(); err != nil {
		return pkgerrors.Wrapf(err, "while syncing %s", tmpPath)
	}
	if err := tmpFile.Close(); err != nil {
		return pkgerrors.Wrapf(err, "while closing %s", tmpPath)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return pkgerrors.Wrapf(err, "while renaming %s to %s", tmpPath, path)
	}
	success = true
	return nil
}
