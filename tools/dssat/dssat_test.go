package dssat_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/mocks/mockstorage"
	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/dssatmcp/simulation"
	"github.com/effective-security/dssatmcp/storage"
	"github.com/effective-security/dssatmcp/tools"
	"github.com/effective-security/dssatmcp/tools/dssat"
	"github.com/effective-security/dssatmcp/workdir"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const engineScript = `#!/bin/sh
case "$2" in
  FAIL*) echo "fatal: unknown cultivar in $(pwd)/$2" >&2; exit 2;;
esac
echo "RUN $1 $2"
printf '%s\n' '@ RUNNO TRNO R# O# C# CR' > SUMMARY.OUT
printf '%-8s%11s%-6s%40s%7s\n' CUSTOM01 '' 202410 '' 4321.5 >> SUMMARY.OUT
echo "overview" > OVERVIEW.OUT
`

type fixture struct {
	store    *storage.MemoryStore
	dirs     *workdir.Manager
	registry *tools.Registry
}

func newFixture(t *testing.T, st storage.ObjectStore) *fixture {
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine is not supported on windows")
	}
	f := &fixture{}
	if st == nil {
		f.store = storage.NewMemoryStore("dssat")
		st = f.store
	}

	dirs, err := workdir.New(filepath.Join(t.TempDir(), "data"), nil, 0)
	require.NoError(t, err)
	f.dirs = dirs

	runner, err := simulation.NewRunner(nil, simulation.Config{
		Executable: writeFile(t, t.TempDir(), "dscsm048", engineScript, 0o755),
		Timeout:    30 * time.Second,
	})
	require.NoError(t, err)

	gw := storage.NewGateway(st, dirs, storage.Config{
		Prefix:         "results/",
		RetryBaseDelay: time.Millisecond,
	})

	f.registry = tools.NewRegistry(tools.WithRedactedRoot(dirs.Root()))
	require.NoError(t, dssat.New(dirs, gw, runner).Register(f.registry))
	f.registry.Seal()
	return f
}

func writeFile(t *testing.T, dir, name, content string, mode os.FileMode) string {
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), mode))
	return p
}

func (f *fixture) invoke(t *testing.T, name string, args any) (any, *toolerr.Error) {
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	res, err := f.registry.Invoke(context.Background(), tools.Invocation{Name: name, Arguments: raw})
	if err != nil {
		assert.Nil(t, res)
		var te *toolerr.Error
		require.True(t, errors.As(err, &te), "unexpected error type: %T", err)
		return nil, te
	}
	require.NotNil(t, res)
	assert.Equal(t, name, res.Tool)
	return res.Output, nil
}

func (f *fixture) seed(files map[string]string) {
	for k, v := range files {
		f.store.PutBytes(k, []byte(v))
	}
}

func TestDefinitions(t *testing.T) {
	f := newFixture(t, nil)
	defs := f.registry.List()
	require.Len(t, defs, 3)
	assert.Equal(t, []string{dssat.ToolDownload, dssat.ToolRun, dssat.ToolUpload},
		[]string{defs[0].Name, defs[1].Name, defs[2].Name})

	for _, def := range defs {
		assert.NotEmpty(t, def.Description)
		assert.Len(t, def.Examples, 3)
		require.NotNil(t, def.InputSchema)
		assert.Equal(t, "object", def.InputSchema.Type)
		require.NotNil(t, def.OutputSchema)
	}

	run := defs[1]
	assert.ElementsMatch(t, []string{"folder", "experiment_file"}, run.InputSchema.Required)
	assert.Equal(t, "SWSW7501.WHX", run.Examples[1].Arguments["experiment_file"])

	download := defs[0]
	assert.Empty(t, download.InputSchema.Required)
	require.Len(t, download.InputSchema.AnyOf, 2)
	assert.Equal(t, []string{"file_keys"}, download.InputSchema.AnyOf[0].Required)
	assert.Equal(t, []string{"files_names_list"}, download.InputSchema.AnyOf[1].Required)
	js, err := json.Marshal(download.InputSchema)
	require.NoError(t, err)
	assert.Contains(t, string(js), `"anyOf":[{"required":["file_keys"]},{"required":["files_names_list"]}]`)
	keys, ok := download.InputSchema.Properties.Get("file_keys")
	require.True(t, ok)
	assert.Equal(t, "array", keys.Type)

	upload := defs[2]
	assert.Equal(t, []string{"folder"}, upload.InputSchema.Required)
	_, ok = upload.OutputSchema.Properties.Get("s3_presigned_url")
	assert.True(t, ok)
}

func TestCustomExperiment(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(map[string]string{
		"inputs/custom/CUSTOM.SOL":   "*SOILS",
		"inputs/custom/CUSTOM01.WTH": "*WEATHER DATA",
		"inputs/custom/CUSTOM01.CUX": "*EXP.DETAILS: CUSTOM01",
	})

	// the alias is accepted as a string holding a JSON array
	out, terr := f.invoke(t, dssat.ToolDownload, map[string]any{
		"folder":           "CUSTOM_EXPERIMENT",
		"experiment_file":  "CUSTOM01.CUX",
		"files_names_list": `["inputs/custom/CUSTOM.SOL", "inputs/custom/CUSTOM01.WTH", "inputs/custom/CUSTOM01.CUX"]`,
	})
	require.Nil(t, terr)
	dl := out.(*dssat.DownloadOutput)
	assert.Equal(t, "CUSTOM_EXPERIMENT", dl.Folder)
	assert.Equal(t, 3, dl.Succeeded)
	assert.Equal(t, 0, dl.Failed)
	assert.Equal(t, "CUSTOM01.CUX", dl.Files[2].LocalPath)
	assert.FileExists(t, filepath.Join(f.dirs.Root(), "CUSTOM_EXPERIMENT", "CUSTOM01.WTH"))

	out, terr = f.invoke(t, dssat.ToolRun, map[string]any{
		"folder":          "CUSTOM_EXPERIMENT",
		"experiment_file": "CUSTOM01.CUX",
	})
	require.Nil(t, terr)
	run := out.(*simulation.Result)
	assert.Equal(t, 0, run.ExitCode)
	assert.Equal(t, "RUN A CUSTOM01.CUX\n", run.Stdout)
	require.NotNil(t, run.Summary)
	require.Len(t, run.Summary.Rows, 1)
	assert.Equal(t, "CUSTOM01", run.Summary.Rows[0].Experiment)
	assert.Equal(t, 4321.5, run.Summary.Rows[0].YieldKgHa)

	out, terr = f.invoke(t, dssat.ToolUpload, map[string]any{"folder": "CUSTOM_EXPERIMENT"})
	require.Nil(t, terr)
	up := out.(*dssat.UploadOutput)
	assert.True(t, strings.HasPrefix(up.Key, "results/CUSTOM_EXPERIMENT/CUSTOM_EXPERIMENT-"), up.Key)
	assert.True(t, strings.HasPrefix(up.PresignedURL, "memory://dssat/results/CUSTOM_EXPERIMENT/"), up.PresignedURL)
	assert.True(t, up.ExpiresAt.After(time.Now()))
	assert.Equal(t, []string{"CUSTOM.SOL", "CUSTOM01.CUX", "CUSTOM01.WTH", "OVERVIEW.OUT", "SUMMARY.OUT"}, up.Files)

	data, ok := f.store.Bytes(up.Key)
	require.True(t, ok)
	assert.Equal(t, int64(len(data)), up.SizeBytes)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	assert.Equal(t, up.Files, names)

	// the folder is removed after the upload
	assert.NoDirExists(t, filepath.Join(f.dirs.Root(), "CUSTOM_EXPERIMENT"))

	_, terr = f.invoke(t, dssat.ToolRun, map[string]any{
		"folder":          "CUSTOM_EXPERIMENT",
		"experiment_file": "CUSTOM01.CUX",
	})
	require.NotNil(t, terr)
	assert.Equal(t, toolerr.KindVerificationFailed, terr.Kind)
}

func TestDownload(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(map[string]string{
		"SOIL.SOL":     "*SOILS",
		"SWSW7501.WHX": "*EXP.DETAILS: SWSW7501WH",
	})

	t.Run("partial", func(t *testing.T) {
		out, terr := f.invoke(t, dssat.ToolDownload, map[string]any{
			"folder":    "Wheat",
			"file_keys": []string{"SOIL.SOL", "SWSW7501.WTH", "SWSW7501.WHX"},
		})
		require.Nil(t, terr)
		dl := out.(*dssat.DownloadOutput)
		assert.Equal(t, 2, dl.Succeeded)
		assert.Equal(t, 1, dl.Failed)
		require.NotNil(t, dl.Files[1].Error)
		assert.Equal(t, toolerr.KindObjectNotFound, dl.Files[1].Error.Kind)
		assert.Nil(t, dl.Files[0].Error)
		assert.Equal(t, int64(6), dl.Files[0].SizeBytes)
		assert.NoFileExists(t, filepath.Join(f.dirs.Root(), "Wheat", "SWSW7501.WTH"))
	})

	t.Run("generated folder", func(t *testing.T) {
		out, terr := f.invoke(t, dssat.ToolDownload, map[string]any{
			"file_keys": []string{"SOIL.SOL"},
		})
		require.Nil(t, terr)
		dl := out.(*dssat.DownloadOutput)
		assert.True(t, strings.HasPrefix(dl.Folder, workdir.GeneratedPrefix), dl.Folder)
		assert.DirExists(t, filepath.Join(f.dirs.Root(), dl.Folder))
	})

	t.Run("all failed", func(t *testing.T) {
		_, terr := f.invoke(t, dssat.ToolDownload, map[string]any{
			"folder":    "Maize",
			"file_keys": []string{"UFGA8201.MZX", "UFGA8201.WTH"},
		})
		require.NotNil(t, terr)
		assert.Equal(t, toolerr.KindObjectNotFound, terr.Kind)
		dl, ok := terr.Detail.(*dssat.DownloadOutput)
		require.True(t, ok)
		assert.Equal(t, 2, dl.Failed)
	})

	t.Run("experiment not downloaded", func(t *testing.T) {
		_, terr := f.invoke(t, dssat.ToolDownload, map[string]any{
			"folder":          "Maize",
			"experiment_file": "UFGA8201.MZX",
			"file_keys":       []string{"SOIL.SOL", "UFGA8201.MZX"},
		})
		require.NotNil(t, terr)
		assert.Equal(t, toolerr.KindVerificationFailed, terr.Kind)
	})

	t.Run("invalid", func(t *testing.T) {
		tcases := []struct {
			args  map[string]any
			field string
		}{
			{args: map[string]any{"folder": "Wheat"}, field: "file_keys"},
			{args: map[string]any{"file_keys": []string{"../etc/passwd"}}, field: "file_keys[0]"},
			{args: map[string]any{"file_keys": []string{"a/SOIL.SOL", "b/SOIL.SOL"}}, field: "file_keys[1]"},
			{args: map[string]any{"file_keys": 42}, field: "file_keys"},
			{args: map[string]any{"folder": "../up", "file_keys": []string{"SOIL.SOL"}}, field: "folder"},
			{args: map[string]any{"experiment_file": "X.WHX", "file_keys": []string{"SOIL.SOL"}}, field: "experiment_file"},
			{args: map[string]any{"file_keys": []string{"SOIL.SOL"}, "crop": "wheat"}, field: "crop"},
		}
		for _, tc := range tcases {
			_, terr := f.invoke(t, dssat.ToolDownload, tc.args)
			require.NotNil(t, terr, "%v", tc.args)
			assert.Equal(t, toolerr.KindInvalidArguments, terr.Kind, "%v", tc.args)
			assert.Equal(t, tc.field, terr.Field, "%v", tc.args)
		}
		// nothing was created
		assert.NoDirExists(t, filepath.Join(filepath.Dir(f.dirs.Root()), "up"))
	})

	t.Run("conflict", func(t *testing.T) {
		ctx := context.Background()
		d, err := f.dirs.Ensure(ctx, "Busy", "other")
		require.NoError(t, err)
		defer f.dirs.Release(ctx, d)

		_, terr := f.invoke(t, dssat.ToolDownload, map[string]any{
			"folder":    "Busy",
			"file_keys": []string{"SOIL.SOL"},
		})
		require.NotNil(t, terr)
		assert.Equal(t, toolerr.KindDirectoryConflict, terr.Kind)
		assert.True(t, terr.Kind.Retryable())
	})
}

func TestRun(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(map[string]string{
		"FAIL0001.WHX": "*EXP.DETAILS",
		"SOIL.SOL":     "*SOILS",
	})
	_, terr := f.invoke(t, dssat.ToolDownload, map[string]any{
		"folder":    "Wheat",
		"file_keys": []string{"FAIL0001.WHX", "SOIL.SOL"},
	})
	require.Nil(t, terr)

	t.Run("missing folder", func(t *testing.T) {
		_, terr := f.invoke(t, dssat.ToolRun, map[string]any{"folder": "Rice", "experiment_file": "RICE0001.RIX"})
		require.NotNil(t, terr)
		assert.Equal(t, toolerr.KindVerificationFailed, terr.Kind)
		assert.NoDirExists(t, filepath.Join(f.dirs.Root(), "Rice"))
	})

	t.Run("missing experiment", func(t *testing.T) {
		_, terr := f.invoke(t, dssat.ToolRun, map[string]any{"folder": "Wheat", "experiment_file": "SWSW7501.WHX"})
		require.NotNil(t, terr)
		assert.Equal(t, toolerr.KindVerificationFailed, terr.Kind)
		assert.NotContains(t, terr.Message, f.dirs.Root())
		// the engine did not run
		assert.NoFileExists(t, filepath.Join(f.dirs.Root(), "Wheat", "OVERVIEW.OUT"))
	})

	t.Run("required", func(t *testing.T) {
		_, terr := f.invoke(t, dssat.ToolRun, map[string]any{"folder": "Wheat"})
		require.NotNil(t, terr)
		assert.Equal(t, toolerr.KindInvalidArguments, terr.Kind)
		assert.Equal(t, "experiment_file", terr.Field)
		assert.Equal(t, "is required", terr.Message)
	})

	t.Run("wrapped args", func(t *testing.T) {
		_, terr := f.invoke(t, dssat.ToolRun, map[string]any{
			"args": map[string]any{"folder": "Wheat", "experiment_file": "../SOIL.SOL"},
		})
		require.NotNil(t, terr)
		assert.Equal(t, "experiment_file", terr.Field)
	})

	t.Run("failed", func(t *testing.T) {
		_, terr := f.invoke(t, dssat.ToolRun, map[string]any{"folder": "Wheat", "experiment_file": "FAIL0001.WHX"})
		require.NotNil(t, terr)
		assert.Equal(t, toolerr.KindSimulationFailed, terr.Kind)
		res, ok := terr.Detail.(*simulation.Result)
		require.True(t, ok)
		assert.Equal(t, 2, res.ExitCode)
		assert.Contains(t, res.Log, "unknown cultivar in Wheat/FAIL0001.WHX")
		assert.NotContains(t, res.Log, f.dirs.Root())
		assert.NotContains(t, res.Stderr, f.dirs.Root())
	})
}

func TestUploadFailureKeepsFolder(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mockstorage.NewMockObjectStore(ctrl)
	st.EXPECT().Name().Return("mock").AnyTimes()
	st.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), "application/zip").
		Return(errors.New("access denied")).Times(1)

	f := newFixture(t, st)
	ctx := context.Background()
	d, err := f.dirs.Ensure(ctx, "Wheat", "test")
	require.NoError(t, err)
	writeFile(t, d.Path, "SWSW7501.WHX", "*EXP.DETAILS", 0o644)
	writeFile(t, d.Path, "SUMMARY.OUT", "@ RUNNO", 0o644)
	f.dirs.Release(ctx, d)

	_, terr := f.invoke(t, dssat.ToolUpload, map[string]any{"folder": "Wheat"})
	require.NotNil(t, terr)
	assert.Equal(t, toolerr.KindUploadFailed, terr.Kind)
	assert.NotContains(t, terr.Message, "access denied")

	files, err := f.dirs.Files(d)
	require.NoError(t, err)
	names := make([]string, 0, len(files))
	for _, fl := range files {
		names = append(names, fl.Name)
	}
	assert.True(t, slices.Equal([]string{"SUMMARY.OUT", "SWSW7501.WHX"}, names), names)

	// the lease is released after the failure
	d2, err := f.dirs.Lookup(ctx, "Wheat", "test")
	require.NoError(t, err)
	f.dirs.Release(ctx, d2)
}

func TestUploadEmptyFolder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d, err := f.dirs.Ensure(ctx, "Empty", "test")
	require.NoError(t, err)
	f.dirs.Release(ctx, d)

	_, terr := f.invoke(t, dssat.ToolUpload, map[string]any{"folder": "Empty"})
	require.NotNil(t, terr)
	assert.Equal(t, toolerr.KindVerificationFailed, terr.Kind)
	assert.DirExists(t, d.Path)
	assert.Empty(t, f.store.Keys())
}
