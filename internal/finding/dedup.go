package finding

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sift/internal/fingerprint"
)

// createRetries bounds re-resolution after losing an insert race.
const createRetries = 5

// Deduper folds repeat detections into existing findings by fingerprint.
type Deduper struct {
	store  Store
	logger log.Logger
}

// NewDeduper creates a Deduper. A nil logger disables logging.
func NewDeduper(store Store, logger log.Logger) *Deduper {
	if logger == nil {
		logger = log.Nop()
	}
	return &Deduper{store: store, logger: logger}
}

// CreateOrMerge lands a freshly normalized finding: an active row holding
// the same fingerprint absorbs it as a repeat occurrence; otherwise a new
// row is inserted, with a numeric fingerprint suffix when the base is
// already held by a closed finding. Returns the stored row and whether a
// new row was created.
//
// f must carry the base fingerprint, org, and LastSeenScanID; ID, status,
// occurrence bookkeeping, and timestamps are filled in here.
func (d *Deduper) CreateOrMerge(ctx context.Context, f *Finding) (*Finding, bool, error) {
	base := f.Fingerprint

	for range createRetries {
		existing, ok, err := d.store.FindActiveByFingerprint(ctx, f.OrgID, base)
		if err != nil {
			return nil, false, fmt.Errorf("dedup lookup: %w", err)
		}
		if ok {
			if err := d.store.RecordOccurrence(ctx, existing.ID, f.LastSeenScanID); err != nil {
				return nil, false, fmt.Errorf("record occurrence: %w", err)
			}
			return existing, false, nil
		}

		insertFP, err := d.freeFingerprint(ctx, f.OrgID, base)
		if err != nil {
			return nil, false, err
		}

		now := time.Now()
		ins := *f
		ins.ID = ulid.Make().String()
		ins.Fingerprint = insertFP
		if ins.Status == "" {
			ins.Status = StatusOpen
		}
		if ins.OccurrenceCount == 0 {
			ins.OccurrenceCount = 1
		}
		if ins.FirstSeenScanID == "" {
			ins.FirstSeenScanID = ins.LastSeenScanID
		}
		ins.CreatedAt = now
		ins.UpdatedAt = now

		stored, created, err := d.store.CreateFinding(ctx, &ins)
		if err != nil {
			return nil, false, fmt.Errorf("create finding: %w", err)
		}
		if created {
			return stored, true, nil
		}

		// lost an insert race: an active winner absorbs this detection,
		// a closed winner forces re-resolution
		if stored.Status.Active() {
			if err := d.store.RecordOccurrence(ctx, stored.ID, f.LastSeenScanID); err != nil {
				return nil, false, fmt.Errorf("record occurrence: %w", err)
			}
			return stored, false, nil
		}
	}

	return nil, false, fmt.Errorf("dedup: no stable fingerprint for %s after %d attempts", base, createRetries)
}

// freeFingerprint walks base, base-1, base-2, ... until an unheld
// fingerprint is found. The base being held is the expected re-detection
// of a closed finding; a held suffix is a genuine collision anomaly.
func (d *Deduper) freeFingerprint(ctx context.Context, orgID, base string) (string, error) {
	candidate := base
	for n := 1; ; n++ {
		exists, err := d.store.FingerprintExists(ctx, orgID, candidate)
		if err != nil {
			return "", fmt.Errorf("fingerprint probe: %w", err)
		}
		if !exists {
			return candidate, nil
		}
		if candidate == base {
			d.logger.Info(ctx, "fingerprint held by closed finding, inserting as new",
				"org_id", orgID, "fingerprint", base)
		} else {
			d.logger.Warn(ctx, "fingerprint collision, trying next suffix",
				"org_id", orgID, "fingerprint", candidate)
		}
		candidate = fingerprint.WithSuffix(base, n)
	}
}
