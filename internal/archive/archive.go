// Package archive stores raw fetched report snapshots in S3-compatible
// object storage so a bad parse can be replayed without re-fetching.
package archive

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/mirabell/studiopulse/internal/domain"
)

// Archive stores and retrieves raw report snapshots.
type Archive interface {
	// Put stores one raw report snapshot.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - key: object key, usually from SnapshotKey.
	//   - reader: raw report bytes.
	//   - size: byte length of the snapshot.
	// Returns:
	//   - error: non-nil if the write fails.
	Put(ctx context.Context, key string, reader io.Reader, size int64) error

	// Get retrieves a previously stored snapshot.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// EnsureBucket creates the backing bucket if it doesn't exist.
	EnsureBucket(ctx context.Context) error
}

// SnapshotKey builds the object key for one fetched report:
// <category>/<fetch date>/<run id>-<source>.csv
// The source suffix keeps snapshots apart when one category is fed by
// more than one upstream in the same run.
func SnapshotKey(category domain.Category, sourceName, runID string, fetchedAt time.Time) string {
	return fmt.Sprintf("%s/%s/%s-%s.csv", category, fetchedAt.UTC().Format("2006-01-02"), runID, sourceName)
}
