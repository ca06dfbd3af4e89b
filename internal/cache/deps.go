package cache

import "sync"

// depIndex maintains the bidirectional mapping between entity fingerprints
// ("<entityType>:<entityId>") and the cache keys derived from them. Both
// directions mutate under one mutex so they can never drift apart.
type depIndex struct {
	mu            sync.Mutex
	byFingerprint map[string]map[string]struct{}
	byKey         map[string]map[string]struct{}
}

func newDepIndex() *depIndex {
	return &depIndex{
		byFingerprint: make(map[string]map[string]struct{}),
		byKey:         make(map[string]map[string]struct{}),
	}
}

// add records edges fingerprint<->key for every fingerprint in deps.
func (d *depIndex) add(key string, deps []string) {
	if len(deps) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, fp := range deps {
		fwd := d.byFingerprint[fp]
		if fwd == nil {
			fwd = make(map[string]struct{})
			d.byFingerprint[fp] = fwd
		}
		fwd[key] = struct{}{}

		rev := d.byKey[key]
		if rev == nil {
			rev = make(map[string]struct{})
			d.byKey[key] = rev
		}
		rev[fp] = struct{}{}
	}
}

// removeFingerprints tears down all edges touching the given fingerprints
// and returns the union of cache keys that depended on them.
func (d *depIndex) removeFingerprints(fingerprints []string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	affected := make(map[string]struct{})
	for _, fp := range fingerprints {
		for key := range d.byFingerprint[fp] {
			affected[key] = struct{}{}
		}
		delete(d.byFingerprint, fp)
	}

	out := make([]string, 0, len(affected))
	for key := range affected {
		out = append(out, key)
		for fp := range d.byKey[key] {
			if fwd, ok := d.byFingerprint[fp]; ok {
				delete(fwd, key)
				if len(fwd) == 0 {
					delete(d.byFingerprint, fp)
				}
			}
		}
		delete(d.byKey, key)
	}
	return out
}

// removeKeys drops edges for explicitly deleted cache keys.
func (d *depIndex) removeKeys(cacheKeys []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, key := range cacheKeys {
		for fp := range d.byKey[key] {
			if fwd, ok := d.byFingerprint[fp]; ok {
				delete(fwd, key)
				if len(fwd) == 0 {
					delete(d.byFingerprint, fp)
				}
			}
		}
		delete(d.byKey, key)
	}
}

// size returns the number of indexed fingerprints and keys. Test hook.
func (d *depIndex) size() (fingerprints, cacheKeys int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byFingerprint), len(d.byKey)
}
