package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlosdotorg/atlos/internal/archive"
)

var fixedNow = time.Unix(1700000000, 0).UTC()

func newMockStore(t *testing.T) (*FingerprintStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewFingerprintStoreWithPool(mock, "", func() time.Time { return fixedNow })
	require.NoError(t, err)
	return store, mock
}

func TestRecordArtifactsInsertsRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	artifacts := []archive.Artifact{
		{
			Kind:   archive.KindDirectFile,
			File:   "direct_file_0190a1b2.png",
			SHA256: "aa",
			PerceptualHashes: []archive.PerceptualHash{
				{Algorithm: archive.AlgorithmPHash, Value: "c3c3c3c3c3c3c3c3"},
			},
		},
		{Kind: archive.KindPDF, File: "pdf_0190a1b3.pdf", SHA256: "bb"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO artifact_fingerprints").
		WithArgs("run-1", "https://example.com", "direct_file", "direct_file_0190a1b2.png", "aa",
			[]byte(`[{"kind":"phash","hash":"c3c3c3c3c3c3c3c3"}]`), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO artifact_fingerprints").
		WithArgs("run-1", "https://example.com", "pdf", "pdf_0190a1b3.pdf", "bb", []byte(`[]`), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.RecordArtifacts(context.Background(), "run-1", "https://example.com", artifacts))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordArtifactsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO artifact_fingerprints").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.RecordArtifacts(context.Background(), "run-1", "", []archive.Artifact{{Kind: archive.KindFile, File: "f", SHA256: "cc"}})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordArtifactsNoop(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	require.NoError(t, store.RecordArtifacts(context.Background(), "run-1", "", nil))
	require.Error(t, store.RecordArtifacts(context.Background(), "", "", []archive.Artifact{{}}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindBySHA256(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rows := pgxmock.NewRows([]string{"run_id", "source_url", "kind", "file", "sha256", "recorded_at"}).
		AddRow("run-0", "https://example.com/a", "media", "media_0190.mp4", "dd", fixedNow)
	mock.ExpectQuery("SELECT run_id, source_url, kind, file, sha256, recorded_at").
		WithArgs("dd").
		WillReturnRows(rows)

	matches, err := store.FindBySHA256(context.Background(), "dd")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, archive.KindMedia, matches[0].Kind)
	assert.Equal(t, "run-0", matches[0].RunID)
	assert.Equal(t, fixedNow, matches[0].RecordedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByPerceptualHash(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("perceptual_hashes @>").
		WithArgs([]byte(`[{"kind":"tmk_l1","hash":"ffff"}]`)).
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "source_url", "kind", "file", "sha256", "recorded_at"}))

	matches, err := store.FindByPerceptualHash(context.Background(), archive.AlgorithmTMKL1, "ffff")
	require.NoError(t, err)
	assert.Empty(t, matches)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS artifact_fingerprints").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewFingerprintStoreWithPool(mock, "bad-name;drop", nil)
	require.Error(t, err)
	_, err = NewFingerprintStoreWithPool(nil, "", nil)
	require.Error(t, err)
}
