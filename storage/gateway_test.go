package storage_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/mocks/mockstorage"
	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/dssatmcp/storage"
	"github.com/effective-security/dssatmcp/workdir"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var fastRetry = storage.Config{
	Prefix:         "results/",
	Retries:        3,
	RetryBaseDelay: time.Millisecond,
	OpTimeout:      time.Second,
	Concurrency:    2,
	PresignExpiry:  time.Hour,
}

func newDir(t *testing.T, name string) (*workdir.Manager, *workdir.Dir) {
	m, err := workdir.New(t.TempDir(), nil, 0)
	require.NoError(t, err)
	d, err := m.Ensure(context.Background(), name, "test")
	require.NoError(t, err)
	t.Cleanup(func() { m.Release(context.Background(), d) })
	return m, d
}

func transient(msg string) error {
	return errors.Mark(errors.New(msg), storage.ErrUnavailable)
}

func TestValidateKeys(t *testing.T) {
	assert.NoError(t, storage.ValidateKeys("file_keys", []string{"a.WHX", "inputs/wheat/b.WTH"}))

	tcases := []struct {
		keys  []string
		field string
	}{
		{keys: nil, field: "file_keys"},
		{keys: []string{"a.WHX", ""}, field: "file_keys[1]"},
		{keys: []string{"/etc/passwd"}, field: "file_keys[0]"},
		{keys: []string{"../a.WHX"}, field: "file_keys[0]"},
		{keys: []string{"a//b"}, field: "file_keys[0]"},
		{keys: []string{"a/./b"}, field: "file_keys[0]"},
		{keys: []string{"a\\b"}, field: "file_keys[0]"},
		{keys: []string{"x/a.WHX", "y/a.WHX"}, field: "file_keys[1]"},
	}
	for _, tc := range tcases {
		err := storage.ValidateKeys("file_keys", tc.keys)
		require.Error(t, err, tc.keys)
		var te *toolerr.Error
		require.True(t, errors.As(err, &te))
		assert.Equal(t, toolerr.KindInvalidArguments, te.Kind)
		assert.Equal(t, tc.field, te.Field)
	}
}

func TestFetchPartial(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore("bucket")
	whx := []byte(gofakeit.LetterN(1024))
	st.PutBytes("wheat/SWSW7501.WHX", whx)
	st.PutBytes("empty.WTH", nil)

	m, d := newDir(t, "EXP_1")
	gw := storage.NewGateway(st, m, fastRetry)
	assert.Same(t, st, gw.Store())

	res, err := gw.Fetch(ctx, []string{"wheat/SWSW7501.WHX", "missing.CUL", "empty.WTH"}, d)
	require.NoError(t, err)
	require.Len(t, res, 3)

	assert.Equal(t, "wheat/SWSW7501.WHX", res[0].Key)
	assert.Equal(t, "SWSW7501.WHX", res[0].LocalPath)
	assert.Equal(t, int64(len(whx)), res[0].SizeBytes)
	assert.Nil(t, res[0].Error)
	data, err := os.ReadFile(filepath.Join(d.Path, "SWSW7501.WHX"))
	require.NoError(t, err)
	assert.Equal(t, whx, data)

	require.NotNil(t, res[1].Error)
	assert.Equal(t, toolerr.KindObjectNotFound, res[1].Error.Kind)
	assert.NoFileExists(t, filepath.Join(d.Path, "missing.CUL"))

	require.NotNil(t, res[2].Error)
	assert.Equal(t, toolerr.KindVerificationFailed, res[2].Error.Kind)

	// no temporary files left behind
	files, err := m.Files(d)
	require.NoError(t, err)
	for _, f := range files {
		assert.False(t, strings.HasPrefix(f.Name, ".download-"), f.Name)
	}

	_, err = gw.Fetch(ctx, []string{"../x"}, d)
	assert.True(t, errors.Is(err, toolerr.ErrInvalidArguments))
}

func TestFetchRetries(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	mock := mockstorage.NewMockObjectStore(ctrl)
	mock.EXPECT().Name().Return("mock").AnyTimes()

	m, d := newDir(t, "EXP_2")
	gw := storage.NewGateway(mock, m, fastRetry)

	body := "*EXP.DETAILS: SWSW7501WH"

	t.Run("transient then ok", func(t *testing.T) {
		gomock.InOrder(
			mock.EXPECT().Get(gomock.Any(), "a.WHX").Return(nil, int64(0), transient("503")).Times(2),
			mock.EXPECT().Get(gomock.Any(), "a.WHX").Return(io.NopCloser(strings.NewReader(body)), int64(len(body)), nil),
		)
		res, err := gw.Fetch(ctx, []string{"a.WHX"}, d)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Nil(t, res[0].Error)
		assert.Equal(t, int64(len(body)), res[0].SizeBytes)
	})

	t.Run("retries exhausted", func(t *testing.T) {
		mock.EXPECT().Get(gomock.Any(), "b.WHX").Return(nil, int64(0), transient("connection reset")).Times(4)
		res, err := gw.Fetch(ctx, []string{"b.WHX"}, d)
		require.NoError(t, err)
		require.NotNil(t, res[0].Error)
		assert.Equal(t, toolerr.KindStorageUnavailable, res[0].Error.Kind)
		assert.Equal(t, "failed to download b.WHX after 4 attempt(s)", res[0].Error.Message)
	})

	t.Run("permanent", func(t *testing.T) {
		mock.EXPECT().Get(gomock.Any(), "c.WHX").Return(nil, int64(0), errors.New("access denied")).Times(1)
		res, err := gw.Fetch(ctx, []string{"c.WHX"}, d)
		require.NoError(t, err)
		require.NotNil(t, res[0].Error)
		assert.Equal(t, toolerr.KindStorageUnavailable, res[0].Error.Kind)
	})

	t.Run("truncated is retried", func(t *testing.T) {
		gomock.InOrder(
			mock.EXPECT().Get(gomock.Any(), "d.WHX").Return(io.NopCloser(strings.NewReader(body[:5])), int64(len(body)), nil),
			mock.EXPECT().Get(gomock.Any(), "d.WHX").Return(io.NopCloser(strings.NewReader(body)), int64(len(body)), nil),
		)
		res, err := gw.Fetch(ctx, []string{"d.WHX"}, d)
		require.NoError(t, err)
		assert.Nil(t, res[0].Error)
		data, err := os.ReadFile(filepath.Join(d.Path, "d.WHX"))
		require.NoError(t, err)
		assert.Equal(t, body, string(data))
	})

	t.Run("not found", func(t *testing.T) {
		mock.EXPECT().Get(gomock.Any(), "e.WHX").Return(nil, int64(0), errors.Mark(errors.New("NoSuchKey"), storage.ErrNotFound)).Times(1)
		res, err := gw.Fetch(ctx, []string{"e.WHX"}, d)
		require.NoError(t, err)
		require.NotNil(t, res[0].Error)
		assert.Equal(t, toolerr.KindObjectNotFound, res[0].Error.Kind)
	})
}

func TestArchiveAndUpload(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 30, 14, 5, 9, 0, time.UTC)
	storage.TimeNowFn = func() time.Time { return now }
	t.Cleanup(func() { storage.TimeNowFn = time.Now })

	st := storage.NewMemoryStore("bucket")
	m, d := newDir(t, "CUSTOM_EXPERIMENT")
	gw := storage.NewGateway(st, m, fastRetry)

	assert.Equal(t, "results/CUSTOM_EXPERIMENT/CUSTOM_EXPERIMENT-20250630T140509Z.zip", gw.ArchiveKey(d.Name, now))

	_, err := gw.ArchiveAndUpload(ctx, d)
	assert.True(t, errors.Is(err, toolerr.ErrVerificationFailed))

	content := map[string]string{
		"SWSW7501.WHX": gofakeit.LetterN(300),
		"SUMMARY.OUT":  gofakeit.LetterN(200),
		"OVERVIEW.OUT": gofakeit.LetterN(100),
	}
	for name, data := range content {
		require.NoError(t, os.WriteFile(filepath.Join(d.Path, name), []byte(data), 0o644))
	}

	up, err := gw.ArchiveAndUpload(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "results/CUSTOM_EXPERIMENT/CUSTOM_EXPERIMENT-20250630T140509Z.zip", up.Key)
	assert.Equal(t, now.Add(time.Hour), up.ExpiresAt)
	assert.Equal(t, []string{"OVERVIEW.OUT", "SUMMARY.OUT", "SWSW7501.WHX"}, up.Files)
	assert.True(t, strings.HasPrefix(up.URL, "memory://bucket/results/CUSTOM_EXPERIMENT/"), up.URL)
	assert.Contains(t, up.URL, "expires=")

	data, ok := st.Bytes(up.Key)
	require.True(t, ok)
	assert.Equal(t, int64(len(data)), up.SizeBytes)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, len(content))
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, content[zf.Name], string(got))
	}

	// the folder is not modified
	files, err := m.Files(d)
	require.NoError(t, err)
	assert.Len(t, files, len(content))
}

func TestUploadFailures(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	mock := mockstorage.NewMockObjectStore(ctrl)
	mock.EXPECT().Name().Return("mock").AnyTimes()

	m, d := newDir(t, "EXP_3")
	require.NoError(t, os.WriteFile(filepath.Join(d.Path, "SUMMARY.OUT"), []byte("summary"), 0o644))
	gw := storage.NewGateway(mock, m, fastRetry)

	t.Run("transient then ok", func(t *testing.T) {
		var uploaded []byte
		gomock.InOrder(
			mock.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), "application/zip").Return(transient("503")),
			mock.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), "application/zip").
				DoAndReturn(func(_ context.Context, key string, body io.Reader, size int64, _ string) error {
					var err error
					uploaded, err = io.ReadAll(body)
					require.NoError(t, err)
					assert.Equal(t, size, int64(len(uploaded)))
					return nil
				}),
			mock.EXPECT().Presign(gomock.Any(), gomock.Any(), time.Hour).Return("https://bucket.s3/key?sig", nil),
		)
		up, err := gw.ArchiveAndUpload(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, "https://bucket.s3/key?sig", up.URL)
		assert.Equal(t, int64(len(uploaded)), up.SizeBytes)
		// the retry uploads the whole archive from the start
		_, err = zip.NewReader(bytes.NewReader(uploaded), int64(len(uploaded)))
		require.NoError(t, err)
	})

	t.Run("retries exhausted", func(t *testing.T) {
		mock.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(transient("503")).Times(4)
		_, err := gw.ArchiveAndUpload(ctx, d)
		require.Error(t, err)
		assert.True(t, errors.Is(err, toolerr.ErrUploadFailed))
		assert.FileExists(t, filepath.Join(d.Path, "SUMMARY.OUT"))
	})

	t.Run("presign", func(t *testing.T) {
		mock.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
		mock.EXPECT().Presign(gomock.Any(), gomock.Any(), gomock.Any()).Return("", errors.New("no credentials"))
		_, err := gw.ArchiveAndUpload(ctx, d)
		assert.True(t, errors.Is(err, toolerr.ErrUploadFailed))
	})
}
