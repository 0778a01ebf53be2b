package bridgeerr

import "errors"

// Sentinel errors for the apply bridge. Callers branch on the class of an
// error, not on the individual sentinel, so new sentinels can be added as
// long as they map to an existing class.
var (
	// ErrRegionNotFound is returned when a region id has no ledger entry.
	ErrRegionNotFound = errors.New("enginebridge: region not found")

	// ErrStaleEpoch marks a command whose carried epoch no longer matches
	// the region's current epoch. Expected during membership churn.
	ErrStaleEpoch = errors.New("enginebridge: stale epoch")

	// ErrStaleIndex marks an entry at or below the applied index.
	ErrStaleIndex = errors.New("enginebridge: stale index")

	// ErrTransient marks a retryable adapter failure (timeout, backpressure).
	ErrTransient = errors.New("enginebridge: transient engine failure")

	// ErrCapacity marks a write rejected by disk-full admission control.
	ErrCapacity = errors.New("enginebridge: disk capacity exhausted")

	// ErrFlashback marks a write rejected while the region is locked for
	// flashback.
	ErrFlashback = errors.New("enginebridge: flashback in progress")

	// ErrIndexGap marks a submitted index beyond the next expected one.
	ErrIndexGap = errors.New("enginebridge: committed entry index gap")

	// ErrCompactPastApplied marks a compact-log target beyond the applied
	// index.
	ErrCompactPastApplied = errors.New("enginebridge: compact index exceeds applied index")

	// ErrEngineFatal marks a non-retryable adapter failure.
	ErrEngineFatal = errors.New("enginebridge: fatal engine failure")

	// ErrRegionBlocked is returned for any submit on a region that hit a
	// consistency violation and awaits operator or peer-level recovery.
	ErrRegionBlocked = errors.New("enginebridge: region apply blocked")

	// ErrImportFailed marks a snapshot import that must be discarded and
	// retried from scratch.
	ErrImportFailed = errors.New("enginebridge: snapshot import failed")

	// ErrImportCanceled marks a snapshot import canceled by region removal.
	ErrImportCanceled = errors.New("enginebridge: snapshot import canceled")

	// ErrWaitForData is reported by a fast-peer-add source whose
	// materialized state has not yet caught up to the requested cut.
	ErrWaitForData = errors.New("enginebridge: peer snapshot data not ready")
)

// Class partitions errors by the reaction they require.
type Class int

const (
	// None: not a bridge error, or nil.
	None Class = iota
	// Stale: expected under concurrency, dropped silently.
	Stale
	// Transient: retried with backoff, bounded by a retry budget.
	Transient
	// Capacity: surfaced as a distinct non-fatal rejection for upstream
	// backpressure. Flashback rejections travel in this class too: the
	// entry is consumed without effect and the caller must hold writes.
	Capacity
	// Consistency: blocks further apply for the affected region only.
	Consistency
	// Import: the whole snapshot import is discarded and retried.
	Import
)

// Of classifies err. Unknown errors classify as None.
func Of(err error) Class {
	switch {
	case err == nil:
		return None
	case errors.Is(err, ErrStaleEpoch), errors.Is(err, ErrStaleIndex):
		return Stale
	case errors.Is(err, ErrTransient), errors.Is(err, ErrWaitForData):
		return Transient
	case errors.Is(err, ErrCapacity), errors.Is(err, ErrFlashback):
		return Capacity
	case errors.Is(err, ErrIndexGap),
		errors.Is(err, ErrCompactPastApplied),
		errors.Is(err, ErrEngineFatal),
		errors.Is(err, ErrRegionBlocked):
		return Consistency
	case errors.Is(err, ErrImportFailed), errors.Is(err, ErrImportCanceled):
		return Import
	default:
		return None
	}
}

// IsStale reports whether err is expected staleness rather than a failure.
func IsStale(err error) bool { return Of(err) == Stale }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return Of(err) == Transient }

// IsCapacity reports whether err is an admission rejection.
func IsCapacity(err error) bool { return Of(err) == Capacity }

// IsConsistency reports whether err blocks the region's apply stream.
func IsConsistency(err error) bool { return Of(err) == Consistency }
