// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

// Package cache provides in-memory counting structures used by the security
// monitor. Nothing here is persisted; windows rebuild from live traffic
// after a restart.
package cache

import (
	"sync"
	"time"
)

// SlidingWindowCounter counts events over a sliding time window using a
// circular buffer of buckets. It backs the per-IP request-rate rule.
//
// Complexity: Increment O(1), Count O(k) for k buckets, memory O(k).
type SlidingWindowCounter struct {
	mu         sync.Mutex
	buckets    []int64
	bucketSize time.Duration
	windowSize time.Duration
	numBuckets int
	current    int
	lastUpdate time.Time
}

// NewSlidingWindowCounter creates a counter over windowSize divided into
// numBuckets buckets. NewSlidingWindowCounter(time.Minute, 12) gives a
// one-minute window with five-second resolution.
func NewSlidingWindowCounter(windowSize time.Duration, numBuckets int) *SlidingWindowCounter {
	if numBuckets <= 0 {
		numBuckets = 12
	}
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	return &SlidingWindowCounter{
		buckets:    make([]int64, numBuckets),
		bucketSize: windowSize / time.Duration(numBuckets),
		windowSize: windowSize,
		numBuckets: numBuckets,
		lastUpdate: time.Now(),
	}
}

// Increment adds delta to the current bucket.
func (sw *SlidingWindowCounter) Increment(delta int64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.advance()
	sw.buckets[sw.current] += delta
}

// IncrementAndCount adds one and returns the resulting window total in a
// single critical section, so threshold checks see a consistent value.
func (sw *SlidingWindowCounter) IncrementAndCount() int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.advance()
	sw.buckets[sw.current]++
	var total int64
	for _, c := range sw.buckets {
		total += c
	}
	return total
}

// Count returns the sum of all buckets in the window.
func (sw *SlidingWindowCounter) Count() int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.advance()
	var total int64
	for _, c := range sw.buckets {
		total += c
	}
	return total
}

// advance rotates expired buckets out of the window. Lock must be held.
func (sw *SlidingWindowCounter) advance() {
	now := time.Now()
	elapsed := int(now.Sub(sw.lastUpdate) / sw.bucketSize)
	if elapsed <= 0 {
		return
	}
	if elapsed >= sw.numBuckets {
		for i := range sw.buckets {
			sw.buckets[i] = 0
		}
		sw.current = 0
	} else {
		for i := 0; i < elapsed; i++ {
			sw.current = (sw.current + 1) % sw.numBuckets
			sw.buckets[sw.current] = 0
		}
	}
	sw.lastUpdate = now
}

// SlidingWindowStore keys sliding window counters by an arbitrary string
// (source IP for the rate rule). Capacity is bounded; at maxKeys a random
// counter is evicted, which at worst delays one anomaly detection.
type SlidingWindowStore struct {
	mu         sync.RWMutex
	counters   map[string]*SlidingWindowCounter
	windowSize time.Duration
	numBuckets int
	maxKeys    int
}

// NewSlidingWindowStore creates a store. maxKeys <= 0 means unbounded.
func NewSlidingWindowStore(windowSize time.Duration, numBuckets, maxKeys int) *SlidingWindowStore {
	return &SlidingWindowStore{
		counters:   make(map[string]*SlidingWindowCounter),
		windowSize: windowSize,
		numBuckets: numBuckets,
		maxKeys:    maxKeys,
	}
}

// IncrementAndCount bumps the key's counter and returns the window total.
func (s *SlidingWindowStore) IncrementAndCount(key string) int64 {
	s.mu.Lock()
	counter, ok := s.counters[key]
	if !ok {
		if s.maxKeys > 0 && len(s.counters) >= s.maxKeys {
			s.evictOne()
		}
		counter = NewSlidingWindowCounter(s.windowSize, s.numBuckets)
		s.counters[key] = counter
	}
	s.mu.Unlock()
	return counter.IncrementAndCount()
}

// Count returns the window total for the key without incrementing.
func (s *SlidingWindowStore) Count(key string) int64 {
	s.mu.RLock()
	counter, ok := s.counters[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return counter.Count()
}

// Len returns the number of tracked keys.
func (s *SlidingWindowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.counters)
}

// CleanupInactive drops counters whose windows are empty and returns how
// many were removed.
func (s *SlidingWindowStore) CleanupInactive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, counter := range s.counters {
		if counter.Count() == 0 {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}

// evictOne removes an arbitrary counter. Lock must be held.
func (s *SlidingWindowStore) evictOne() {
	for key := range s.counters {
		delete(s.counters, key)
		return
	}
}
