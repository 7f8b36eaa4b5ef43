// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package registry

import (
	"hash/fnv"
	"sync"
	"time"
)

// shardCount must be a power of two.
const shardCount = 32

// Registry is an in-memory store of certificate records keyed by certificate
// ID. The key space is striped over fixed shards so that concurrent
// provisioning requests touching different certificates never contend on a
// single lock.
type Registry struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.RWMutex
	records map[string]CertificateRecord
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].records = map[string]CertificateRecord{}
	}
	return r
}

func (r *Registry) shardFor(certificateID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(certificateID))
	return &r.shards[h.Sum32()&(shardCount-1)]
}

// Upsert inserts the record or replaces the one stored under the same certificate ID.
func (r *Registry) Upsert(record CertificateRecord) {
	s := r.shardFor(record.CertificateID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.CertificateID] = record
}

// Get returns the record stored under the given certificate ID.
func (r *Registry) Get(certificateID string) (CertificateRecord, bool) {
	s := r.shardFor(certificateID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[certificateID]
	return record, ok
}

// Remove deletes the record stored under the given certificate ID, if any.
// Removing an unknown ID is not an error.
func (r *Registry) Remove(certificateID string) {
	s := r.shardFor(certificateID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, certificateID)
}

// RemoveWhere deletes all records matching the predicate and returns them.
func (r *Registry) RemoveWhere(pred func(CertificateRecord) bool) []CertificateRecord {
	var removed []CertificateRecord
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, record := range s.records {
			if pred(record) {
				removed = append(removed, record)
				delete(s.records, id)
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// UpdateValidity replaces the validity bounds of the record stored under the
// given certificate ID, leaving every other attribute untouched. It reports
// whether the record existed.
func (r *Registry) UpdateValidity(certificateID string, notBefore, notAfter time.Time) bool {
	s := r.shardFor(certificateID)
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[certificateID]
	if !ok {
		return false
	}
	record.NotBefore = notBefore
	record.NotAfter = notAfter
	s.records[certificateID] = record
	return true
}

// Snapshot returns a point-in-time copy of all records. It locks one shard at
// a time, so it never blocks writes to the rest of the registry while running.
func (r *Registry) Snapshot() []CertificateRecord {
	records := make([]CertificateRecord, 0, r.Len())
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, record := range s.records {
			records = append(records, record)
		}
		s.mu.RUnlock()
	}
	return records
}

// Len returns the number of stored records.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.records)
		s.mu.RUnlock()
	}
	return n
}
