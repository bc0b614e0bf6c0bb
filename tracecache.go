// Completion: 100% - Persistent trace cache complete
package tracejit

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor: %v", err))
	}
	cborEncMode = em
}

// unitPrefix namespaces unit records in the store
var unitPrefix = []byte("unit/")

// UnitRecord is what the cache remembers about a compiled loop or bridge
type UnitRecord struct {
	Kind          string         `cbor:"kind"`
	Name          string         `cbor:"name"`
	Session       string         `cbor:"session"`
	FrameDepth    int            `cbor:"depth"`
	CodeSize      uint32         `cbor:"size"`
	OpOffsets     []int          `cbor:"offsets"`
	Compilations  int            `cbor:"compilations"`
	GuardFailures map[string]int `cbor:"failures,omitempty"`
}

// TraceKey fingerprints a trace by its listing
func TraceKey(t *Trace) [32]byte {
	return blake2b.Sum256([]byte(t.String()))
}

// TraceCache keeps compile statistics and guard failure counts across
// runs, keyed by TraceKey. A nil *TraceCache ignores every call.
type TraceCache struct {
	db      *pebble.DB
	session string
}

// pebbleLogger sends the store's messages to the cache logger
type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...any)  { cacheLog.Debugf(format, args...) }
func (pebbleLogger) Errorf(format string, args ...any) { cacheLog.Errorf(format, args...) }
func (pebbleLogger) Fatalf(format string, args ...any) {
	cacheLog.Criticalf(format, args...)
	panic(fmt.Sprintf(format, args...))
}

// OpenTraceCache opens or creates the store in the directory path
func OpenTraceCache(path string, session uuid.UUID) (*TraceCache, error) {
	db, err := pebble.Open(path, &pebble.Options{Logger: pebbleLogger{}})
	if err != nil {
		return nil, fmt.Errorf("opening trace cache %s: %w", path, err)
	}
	cacheLog.Infof("trace cache %s opened for session %s", path, session)
	return &TraceCache{db: db, session: session.String()}, nil
}

func unitKey(key [32]byte) []byte {
	return append(append([]byte{}, unitPrefix...), key[:]...)
}

// Lookup returns the record stored for a trace key
func (tc *TraceCache) Lookup(key [32]byte) (UnitRecord, bool, error) {
	var rec UnitRecord
	if tc == nil {
		return rec, false, nil
	}
	data, closer, err := tc.db.Get(unitKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("reading trace cache: %w", err)
	}
	defer closer.Close()
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return rec, false, fmt.Errorf("decoding unit record: %w", err)
	}
	return rec, true, nil
}

func (tc *TraceCache) store(key [32]byte, rec UnitRecord) error {
	data, err := cborEncMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding unit record: %w", err)
	}
	batch := tc.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(unitKey(key), data, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// RecordUnit stores the statistics of a compilation. Failure counts of an
// earlier record for the same trace are kept.
func (tc *TraceCache) RecordUnit(key [32]byte, rec UnitRecord) error {
	if tc == nil {
		return nil
	}
	old, found, err := tc.Lookup(key)
	if err != nil {
		return err
	}
	rec.Session = tc.session
	rec.Compilations = 1
	if found {
		rec.Compilations = old.Compilations + 1
		rec.GuardFailures = old.GuardFailures
	}
	cacheLog.Debugf("%s %s: %d compilations", rec.Kind, rec.Name, rec.Compilations)
	return tc.store(key, rec)
}

// RecordGuardFailure counts one failure of the named guard of a unit
func (tc *TraceCache) RecordGuardFailure(key [32]byte, guard string) error {
	if tc == nil {
		return nil
	}
	rec, found, err := tc.Lookup(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no unit record for guard %s", guard)
	}
	if rec.GuardFailures == nil {
		rec.GuardFailures = make(map[string]int)
	}
	rec.GuardFailures[guard]++
	return tc.store(key, rec)
}

// Units returns every stored record by trace key
func (tc *TraceCache) Units() (map[[32]byte]UnitRecord, error) {
	out := make(map[[32]byte]UnitRecord)
	if tc == nil {
		return out, nil
	}
	upper := append(append([]byte{}, unitPrefix[:len(unitPrefix)-1]...), unitPrefix[len(unitPrefix)-1]+1)
	iter, err := tc.db.NewIter(&pebble.IterOptions{LowerBound: unitPrefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("iterating trace cache: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		k := bytes.TrimPrefix(iter.Key(), unitPrefix)
		if len(k) != 32 {
			continue
		}
		var rec UnitRecord
		if err := cbor.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decoding unit record: %w", err)
		}
		out[[32]byte(k)] = rec
	}
	return out, iter.Error()
}

// Close flushes and closes the store
func (tc *TraceCache) Close() error {
	if tc == nil {
		return nil
	}
	return tc.db.Close()
}
