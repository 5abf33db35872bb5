package geoview

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mmadfox/geoview/internal/hash"
)

const numStateBuckets = 64

// FeatureKey addresses a feature state entry. SourceLayerID is empty
// for sources without layers.
type FeatureKey struct {
	SourceID      string `json:"sourceId"`
	SourceLayerID string `json:"sourceLayerId,omitempty"`
	FeatureID     string `json:"featureId"`
}

func (k FeatureKey) String() string {
	if len(k.SourceLayerID) == 0 {
		return k.SourceID + ":" + k.FeatureID
	}
	return k.SourceID + ":" + k.SourceLayerID + ":" + k.FeatureID
}

func (k FeatureKey) validate() error {
	if len(k.SourceID) == 0 {
		return invalidf("state", "source id not specified")
	}
	if len(k.FeatureID) == 0 {
		return invalidf("state", "feature id not specified")
	}
	return nil
}

// StateMap is a feature state blob. Maps handed out by the store are
// copies and may be modified freely.
type StateMap map[string]interface{}

func (m StateMap) clone() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// featureStates stores state blobs in sharded buckets. A stored map is
// never written after it is published; writers swap in a new map.
type featureStates struct {
	buckets []*stateBucket
	version uint64
}

type stateBucket struct {
	index map[FeatureKey]StateMap
	sync.RWMutex
}

func newFeatureStates() *featureStates {
	buckets := make([]*stateBucket, numStateBuckets)
	for i := 0; i < numStateBuckets; i++ {
		buckets[i] = &stateBucket{
			index: make(map[FeatureKey]StateMap),
		}
	}
	return &featureStates{buckets: buckets}
}

func (s *featureStates) bucket(k FeatureKey) *stateBucket {
	h := hash.Strings(k.SourceID, k.SourceLayerID, k.FeatureID)
	return s.buckets[h%uint64(len(s.buckets))]
}

// get never fails: absent entries yield an empty map.
func (s *featureStates) get(k FeatureKey) StateMap {
	bucket := s.bucket(k)
	bucket.RLock()
	state, ok := bucket.index[k]
	bucket.RUnlock()
	if !ok {
		return StateMap{}
	}
	return state.clone()
}

// set merges values into the entry.
func (s *featureStates) set(k FeatureKey, values StateMap) {
	if len(values) == 0 {
		return
	}
	bucket := s.bucket(k)
	bucket.Lock()
	next := bucket.index[k].clone()
	for key, val := range values {
		next[key] = val
	}
	bucket.index[k] = next
	bucket.Unlock()
	atomic.AddUint64(&s.version, 1)
}

// remove drops a single state key, or the whole entry when stateKey
// is empty.
func (s *featureStates) remove(k FeatureKey, stateKey string) {
	bucket := s.bucket(k)
	bucket.Lock()
	defer bucket.Unlock()
	current, ok := bucket.index[k]
	if !ok {
		return
	}
	if len(stateKey) == 0 {
		delete(bucket.index, k)
		atomic.AddUint64(&s.version, 1)
		return
	}
	if _, ok := current[stateKey]; !ok {
		return
	}
	next := current.clone()
	delete(next, stateKey)
	if len(next) == 0 {
		delete(bucket.index, k)
	} else {
		bucket.index[k] = next
	}
	atomic.AddUint64(&s.version, 1)
}

func (s *featureStates) removeSource(sourceID string) (removed int) {
	for _, bucket := range s.buckets {
		bucket.Lock()
		for k := range bucket.index {
			if k.SourceID == sourceID {
				delete(bucket.index, k)
				removed++
			}
		}
		bucket.Unlock()
	}
	if removed > 0 {
		atomic.AddUint64(&s.version, 1)
	}
	return
}

func (s *featureStates) len() (n int) {
	for _, bucket := range s.buckets {
		bucket.RLock()
		n += len(bucket.index)
		bucket.RUnlock()
	}
	return
}

func (s *featureStates) currentVersion() uint64 {
	return atomic.LoadUint64(&s.version)
}

func (s *featureStates) String() string {
	return fmt.Sprintf("featureStates{entries:%d, version:%d}", s.len(), s.currentVersion())
}
