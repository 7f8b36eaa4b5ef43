// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package registry

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id string) CertificateRecord {
	now := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	return CertificateRecord{
		CertificateID: id,
		CommonName:    id + ".payments.svc.cluster.local",
		DNSNames:      []string{id},
		NotBefore:     now,
		NotAfter:      now.Add(7 * 24 * time.Hour),
		MountPath:     "/var/lib/kubelet/pods/x/volumes/" + id,
	}
}

func TestRegistry_UpsertGetRemove(t *testing.T) {
	r := New()

	_, ok := r.Get("missing")
	assert.False(t, ok)

	record := testRecord("payments-api-0-vol-1")
	r.Upsert(record)
	got, ok := r.Get(record.CertificateID)
	require.True(t, ok)
	assert.Equal(t, record, got)
	assert.Equal(t, 1, r.Len())

	// upsert replaces
	record.CommonName = "changed"
	r.Upsert(record)
	got, _ = r.Get(record.CertificateID)
	assert.Equal(t, "changed", got.CommonName)
	assert.Equal(t, 1, r.Len())

	// removal is idempotent
	r.Remove(record.CertificateID)
	r.Remove(record.CertificateID)
	_, ok = r.Get(record.CertificateID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_UpdateValidity(t *testing.T) {
	r := New()
	record := testRecord("cert-1")
	r.Upsert(record)

	notBefore := record.NotAfter
	notAfter := notBefore.Add(7 * 24 * time.Hour)
	require.True(t, r.UpdateValidity("cert-1", notBefore, notAfter))

	got, ok := r.Get("cert-1")
	require.True(t, ok)
	assert.Equal(t, notBefore, got.NotBefore)
	assert.Equal(t, notAfter, got.NotAfter)
	// nothing else moved
	assert.Equal(t, record.CommonName, got.CommonName)
	assert.Equal(t, record.MountPath, got.MountPath)
	assert.Equal(t, record.DNSNames, got.DNSNames)

	assert.False(t, r.UpdateValidity("unknown", notBefore, notAfter))
}

func TestRegistry_RemoveWhere(t *testing.T) {
	r := New()
	for i := 0; i < 10; i++ {
		r.Upsert(testRecord(fmt.Sprintf("ns-pod-%d-vol-%d", i, i)))
	}

	removed := r.RemoveWhere(func(record CertificateRecord) bool {
		return strings.HasSuffix(record.CertificateID, "-vol-3")
	})
	require.Len(t, removed, 1)
	assert.Equal(t, "ns-pod-3-vol-3", removed[0].CertificateID)
	assert.Equal(t, 9, r.Len())

	// no match removes nothing
	removed = r.RemoveWhere(func(CertificateRecord) bool { return false })
	assert.Empty(t, removed)
	assert.Equal(t, 9, r.Len())
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		r.Upsert(testRecord(fmt.Sprintf("cert-%d", i)))
	}

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 5)

	// mutations after the snapshot do not affect it
	r.Remove("cert-0")
	r.Upsert(testRecord("cert-5"))
	assert.Len(t, snapshot, 5)
	assert.Equal(t, 5, r.Len())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("w%d-cert-%d", worker, i)
				r.Upsert(testRecord(id))
				_, ok := r.Get(id)
				assert.True(t, ok)
				if i%3 == 0 {
					r.Remove(id)
				}
				_ = r.Snapshot()
				_ = r.Len()
			}
		}(worker)
	}
	wg.Wait()

	// each worker removed the 67 records where i%3 == 0
	assert.Equal(t, 8*(200-67), r.Len())
}

func TestCertificateRecord_NeedsRenewal(t *testing.T) {
	notBefore := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	record := CertificateRecord{
		NotBefore: notBefore,
		NotAfter:  notBefore.Add(10 * 24 * time.Hour),
	}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{
			name: "freshly issued",
			now:  notBefore,
			want: false,
		},
		{
			name: "more than a fifth remaining",
			now:  record.NotAfter.Add(-3 * 24 * time.Hour),
			want: false,
		},
		{
			name: "exactly a fifth remaining",
			now:  record.NotAfter.Add(-2 * 24 * time.Hour),
			want: false,
		},
		{
			name: "just under a fifth remaining",
			now:  record.NotAfter.Add(-2*24*time.Hour + time.Nanosecond),
			want: true,
		},
		{
			name: "expired",
			now:  record.NotAfter.Add(time.Hour),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, record.NeedsRenewal(tt.now))
		})
	}
}

func TestCertificateRecord_ExpiresWithin(t *testing.T) {
	notBefore := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	record := CertificateRecord{
		NotBefore: notBefore,
		NotAfter:  notBefore.Add(7 * 24 * time.Hour),
	}

	assert.False(t, record.ExpiresWithin(notBefore, 48*time.Hour))
	assert.True(t, record.ExpiresWithin(record.NotAfter.Add(-24*time.Hour), 48*time.Hour))
	assert.True(t, record.ExpiresWithin(record.NotAfter.Add(time.Hour), 48*time.Hour))
}

func TestCertificateRecord_IsValid(t *testing.T) {
	notBefore := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	record := CertificateRecord{
		NotBefore: notBefore,
		NotAfter:  notBefore.Add(24 * time.Hour),
	}

	assert.False(t, record.IsValid(notBefore.Add(-time.Second)))
	assert.True(t, record.IsValid(notBefore))
	assert.True(t, record.IsValid(notBefore.Add(12*time.Hour)))
	assert.True(t, record.IsValid(record.NotAfter))
	assert.False(t, record.IsValid(record.NotAfter.Add(time.Second)))
}
