package workdir_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/dssatmcp/store"
	"github.com/effective-security/dssatmcp/workdir"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	for _, name := range []string{"EXP_1", "CUSTOM_EXPERIMENT", "Wheat.2025", "a", "a-b_c.d"} {
		assert.NoError(t, workdir.ValidateName(name), name)
	}
	for _, name := range []string{"", ".", "..", "../etc", "a/b", "/abs", "a..b", "_hidden", ".hidden", "a b", strings.Repeat("a", 65)} {
		err := workdir.ValidateName(name)
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, toolerr.ErrInvalidArguments), name)
		assert.Equal(t, "folder", err.(*toolerr.Error).Field)
	}

	gen := workdir.GenerateName()
	assert.True(t, strings.HasPrefix(gen, workdir.GeneratedPrefix))
	assert.Len(t, gen, len(workdir.GeneratedPrefix)+8)
	assert.NoError(t, workdir.ValidateName(gen))
	assert.NotEqual(t, gen, workdir.GenerateName())
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "data")

	_, err := workdir.New("", nil, 0)
	assert.EqualError(t, err, "data root is required")

	m, err := workdir.New(root, store.NewMemoryLeases(), 0)
	require.NoError(t, err)
	assert.DirExists(t, root)
	assert.Equal(t, root, m.Root())
	assert.NotNil(t, m.Leases())

	_, err = m.Resolve("../x")
	assert.True(t, errors.Is(err, toolerr.ErrInvalidArguments))

	_, err = m.Lookup(ctx, "EXP_1", "test")
	assert.True(t, errors.Is(err, toolerr.ErrVerificationFailed))

	d, err := m.Ensure(ctx, "EXP_1", "test")
	require.NoError(t, err)
	assert.True(t, d.Created)
	assert.Equal(t, filepath.Join(root, "EXP_1"), d.Path)
	assert.DirExists(t, d.Path)

	// second invocation in the same folder is rejected
	_, err = m.Ensure(ctx, "EXP_1", "other")
	require.Error(t, err)
	assert.True(t, errors.Is(err, toolerr.ErrDirectoryConflict))
	detail, ok := err.(*toolerr.Error).Detail.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "test", detail["holder"])

	_, err = m.Lookup(ctx, "EXP_1", "other")
	assert.True(t, errors.Is(err, toolerr.ErrDirectoryConflict))

	m.Release(ctx, d)
	// release is idempotent
	m.Release(ctx, d)
	m.Release(ctx, nil)

	d2, err := m.Lookup(ctx, "EXP_1", "other")
	require.NoError(t, err)
	assert.False(t, d2.Created)
	m.Release(ctx, d2)

	d3, err := m.Ensure(ctx, "EXP_1", "again")
	require.NoError(t, err)
	assert.False(t, d3.Created)
	m.Release(ctx, d3)

	gen, err := m.Ensure(ctx, "", "test")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(gen.Name, workdir.GeneratedPrefix))
	assert.True(t, gen.Created)
	m.Release(ctx, gen)

	// file in place of a folder
	require.NoError(t, os.WriteFile(filepath.Join(root, "NOTDIR"), []byte("x"), 0o644))
	_, err = m.Ensure(ctx, "NOTDIR", "test")
	assert.True(t, errors.Is(err, toolerr.ErrVerificationFailed))
	// the lease was released
	l, err := m.Leases().Get(ctx, "NOTDIR")
	require.NoError(t, err)
	assert.Nil(t, l)

	require.NoError(t, m.Cleanup(ctx, d3))
	assert.NoDirExists(t, d3.Path)
	// already removed
	require.NoError(t, m.Cleanup(ctx, d3))
}

func TestFilesAndArchive(t *testing.T) {
	ctx := context.Background()
	m, err := workdir.New(t.TempDir(), nil, 0)
	require.NoError(t, err)

	d, err := m.Ensure(ctx, "CUSTOM_EXPERIMENT", "test")
	require.NoError(t, err)
	defer m.Release(ctx, d)

	empty, err := m.IsEmpty(d)
	require.NoError(t, err)
	assert.True(t, empty)

	content := map[string]string{
		"SWSW7501.WHX":     gofakeit.LetterN(2048),
		"SWSW7501.WTH":     gofakeit.LetterN(700),
		"SUMMARY.OUT":      gofakeit.LetterN(120),
		"out/PlantGro.OUT": gofakeit.LetterN(64),
	}
	var total int64
	for name, data := range content {
		p := filepath.Join(d.Path, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
		total += int64(len(data))
	}
	// symlinks are not archived
	require.NoError(t, os.Symlink(filepath.Join(d.Path, "SUMMARY.OUT"), filepath.Join(d.Path, "link.OUT")))

	files, err := m.Files(d)
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
		assert.Equal(t, int64(len(content[f.Name])), f.Size)
	}
	assert.Equal(t, []string{"SUMMARY.OUT", "SWSW7501.WHX", "SWSW7501.WTH", "out/PlantGro.OUT"}, names)

	empty, err = m.IsEmpty(d)
	require.NoError(t, err)
	assert.False(t, empty)

	var buf bytes.Buffer
	info, err := m.Archive(ctx, d, &buf)
	require.NoError(t, err)
	assert.Equal(t, names, info.Files)
	assert.Equal(t, total, info.Bytes)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, len(content))
	for _, zf := range zr.File {
		assert.Equal(t, zip.Deflate, zf.Method)
		rc, err := zf.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, content[zf.Name], string(data), zf.Name)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.Archive(cctx, d, io.Discard)
	assert.ErrorIs(t, err, context.Canceled)
}
