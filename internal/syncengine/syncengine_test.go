package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davkit/davkit/internal/storage"
)

// fakeStore implements storage.Store by embedding a nil interface and
// overriding only the methods the sync engine actually calls; any other
// method would panic on a nil-interface call, which is fine since the
// engine never reaches them.
type fakeStore struct {
	storage.Store
	changes   []storage.Change
	newToken  int64
	truncated bool
	oldest    int64
}

func (f *fakeStore) ListChangesSince(ctx context.Context, collectionID string, sinceToken int64, limit int) ([]storage.Change, int64, bool, error) {
	return f.changes, f.newToken, f.truncated, nil
}

func (f *fakeStore) OldestValidSyncToken(ctx context.Context, collectionID string) (int64, error) {
	return f.oldest, nil
}

func (f *fakeStore) PruneTombstonesOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func TestParseFormatToken_RoundTrip(t *testing.T) {
	tok := FormatToken(42)
	assert.Equal(t, "seq:42", tok)
	n, err := ParseToken(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestParseToken_EmptyIsInitialSync(t *testing.T) {
	n, err := ParseToken("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestParseToken_Malformed(t *testing.T) {
	_, err := ParseToken("bogus")
	assert.Error(t, err)
}

func TestSync_RejectsTokenOlderThanRetentionHorizon(t *testing.T) {
	fs := &fakeStore{oldest: 10}
	e := New(fs, DefaultConfig())
	_, err := e.Sync(context.Background(), "col-1", FormatToken(5), 0)
	assert.ErrorIs(t, err, ErrInvalidSyncToken)
}

func TestSync_ReturnsChangesAndToken(t *testing.T) {
	rev := int64(7)
	fs := &fakeStore{
		oldest:   0,
		newToken: rev,
		changes: []storage.Change{
			{Kind: storage.ChangeUpdated, Instance: &storage.Instance{SyncRevision: 7}},
		},
	}
	e := New(fs, DefaultConfig())
	res, err := e.Sync(context.Background(), "col-1", FormatToken(4), 0)
	require.NoError(t, err)
	assert.Equal(t, "seq:7", res.SyncToken)
	assert.False(t, res.Truncated)
	assert.Empty(t, res.ContinuationToken)
	require.Len(t, res.Changes, 1)
}

func TestSync_TruncatedSetsContinuationToken(t *testing.T) {
	fs := &fakeStore{
		newToken:  6,
		truncated: true,
		changes: []storage.Change{
			{Kind: storage.ChangeUpdated, Instance: &storage.Instance{SyncRevision: 6}},
		},
	}
	e := New(fs, DefaultConfig())
	res, err := e.Sync(context.Background(), "col-1", "", 1)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, "seq:6", res.ContinuationToken)
}
