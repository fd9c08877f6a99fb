// Package artifact stores raw SARIF documents in object storage.
//
// Findings are normalized into Postgres; the full SARIF output of each
// scan is kept as a blob so it can be re-downloaded or re-processed
// later. Keys are namespaced by organization and repository so that
// per-org storage usage can be computed with a prefix walk.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ContentTypeSARIF is the media type recorded on uploaded SARIF blobs.
const ContentTypeSARIF = "application/sarif+json"

// DefaultPresignExpiry is used when a caller asks for a presigned URL
// without an explicit expiry.
const DefaultPresignExpiry = time.Hour

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store is the object storage surface the scan pipeline depends on.
type Store interface {
	// Put uploads data under key with the given content type,
	// overwriting any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the full object body. Returns ErrNotFound when the
	// key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// PresignGet returns a URL granting temporary read access to key.
	// A non-positive expiry falls back to DefaultPresignExpiry. When
	// downloadName is non-empty the URL forces an attachment
	// content-disposition with that filename.
	PresignGet(ctx context.Context, key string, expiry time.Duration, downloadName string) (string, error)

	// Size returns the object size in bytes. Returns ErrNotFound when
	// the key does not exist.
	Size(ctx context.Context, key string) (int64, error)

	// TotalSize sums the sizes of all objects under prefix.
	TotalSize(ctx context.Context, prefix string) (int64, error)
}

// Key returns the canonical object key for a scan's merged SARIF blob.
func Key(orgID, repoID, scanID string) string {
	return fmt.Sprintf("%s/%s/scans/%s.sarif", orgID, repoID, scanID)
}

// OrgPrefix returns the key prefix covering every object owned by an
// organization, for use with TotalSize.
func OrgPrefix(orgID string) string {
	return orgID + "/"
}
