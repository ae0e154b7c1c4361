package dssat

import (
	"context"

	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/dssatmcp/simulation"
	"github.com/effective-security/dssatmcp/storage"
	"github.com/effective-security/xlog"
	"github.com/invopop/jsonschema"
)

const downloadDescription = "Download the input files of a DSSAT experiment from object storage into a working folder.\n" +
	"The folder is created when absent, a name is generated when not provided.\n" +
	"Required arguments:\n" +
	"1) file_keys: list of object keys to download (e.g. ['SOIL.SOL', 'UFGA8201.WTH', 'UFGA8201.MZX']).\n" +
	"Optional arguments:\n" +
	"2) folder: working folder name (e.g. 'Wheat').\n" +
	"3) experiment_file: FileX name ending with X, must be one of the downloaded files (e.g. 'SWSW7501.WHX')."

// DownloadArgs are the arguments of download_files_from_s3
type DownloadArgs struct {
	Folder         string `json:"folder,omitempty" jsonschema_description:"Name of the working folder under the data root. By convention it is the capitalized name of the crop, for example Wheat or Brachiaria. Generated when empty." validate:"omitempty,max=64"`
	FileKeys       Keys   `json:"file_keys,omitempty" jsonschema_description:"List of object keys to download into the folder."`
	FilesNamesList Keys   `json:"files_names_list,omitempty" jsonschema_description:"Deprecated alias of file_keys."`
	ExperimentFile string `json:"experiment_file,omitempty" jsonschema_description:"DSSAT FileX experiment file, the name ends with X." validate:"omitempty,max=255"`
}

// JSONSchemaExtend requires file_keys or its alias
func (DownloadArgs) JSONSchemaExtend(s *jsonschema.Schema) {
	s.AnyOf = []*jsonschema.Schema{
		{Required: []string{"file_keys"}},
		{Required: []string{"files_names_list"}},
	}
}

// Keys returns file_keys, or the alias when file_keys is empty
func (a *DownloadArgs) Keys() []string {
	if len(a.FileKeys) > 0 {
		return a.FileKeys
	}
	return a.FilesNamesList
}

// DownloadOutput is the report of download_files_from_s3
type DownloadOutput struct {
	Folder    string                `json:"folder"`
	Files     []storage.FetchResult `json:"files"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
}

// Redact implements toolerr.Redactor
func (o *DownloadOutput) Redact(strip func(string) string) any {
	c := *o
	c.Files = make([]storage.FetchResult, len(o.Files))
	for i, f := range o.Files {
		if f.Error != nil {
			e := *f.Error
			e.Message = strip(e.Message)
			f.Error = &e
		}
		c.Files[i] = f
	}
	return &c
}

var downloadExamples = examples(
	map[string]any{"folder": "Brachiaria", "experiment_file": "CNCH8201.BRX", "file_keys": []string{"SOIL.SOL", "CNCH8201.WTH", "CNCH8201.BRX"}},
	map[string]any{"folder": "Wheat", "experiment_file": "SWSW7501.WHX", "file_keys": []string{"SOIL.SOL", "SWSW7501.WTH", "SWSW7501.WHX"}},
	map[string]any{"folder": "Custom_Folder_Name", "experiment_file": "Custom_Experiment_File.X", "file_keys": []string{"Custom_File1.SOL", "Custom_File2.WTH", "Custom_Experiment_File.X"}},
)

// Download fetches the keys into the folder.
// The call succeeds when at least one key was downloaded,
// per key failures are reported in the output.
func (s *Service) Download(ctx context.Context, in *DownloadArgs) (*DownloadOutput, error) {
	keys := in.Keys()
	if err := storage.ValidateKeys("file_keys", keys); err != nil {
		return nil, err
	}
	if in.Folder != "" {
		if err := s.validateFolder(in.Folder); err != nil {
			return nil, err
		}
	}
	if in.ExperimentFile != "" {
		if err := simulation.ValidateExperimentFile(in.ExperimentFile); err != nil {
			return nil, err
		}
		if !containsLocalName(keys, in.ExperimentFile) {
			return nil, toolerr.InvalidArguments("experiment_file", "%s is not among file_keys", in.ExperimentFile)
		}
	}

	d, err := s.dirs.Ensure(ctx, in.Folder, ToolDownload)
	if err != nil {
		return nil, err
	}
	defer s.dirs.Release(ctx, d)

	results, err := s.gateway.Fetch(ctx, keys, d)
	if err != nil {
		return nil, err
	}

	out := &DownloadOutput{
		Folder: d.Name,
		Files:  results,
	}
	var firstErr *toolerr.Error
	experimentOK := in.ExperimentFile == ""
	for _, r := range results {
		if r.Error != nil {
			out.Failed++
			if firstErr == nil {
				firstErr = r.Error
			}
			continue
		}
		out.Succeeded++
		if r.LocalPath == in.ExperimentFile {
			experimentOK = true
		}
	}

	logger.ContextKV(ctx, xlog.INFO,
		"folder", d.Name,
		"created", d.Created,
		"succeeded", out.Succeeded,
		"failed", out.Failed,
	)

	if out.Succeeded == 0 {
		return nil, toolerr.New(firstErr.Kind, "none of %d file(s) were downloaded: %s", len(keys), firstErr.Message).
			WithDetail(out)
	}
	if !experimentOK {
		return nil, toolerr.VerificationFailed("experiment file %s was not downloaded to folder %s", in.ExperimentFile, d.Name).
			WithDetail(out)
	}
	return out, nil
}

func (s *Service) validateFolder(name string) error {
	_, err := s.dirs.Resolve(name)
	return err
}

func containsLocalName(keys []string, name string) bool {
	for _, key := range keys {
		if storage.LocalName(key) == name {
			return true
		}
	}
	return false
}
