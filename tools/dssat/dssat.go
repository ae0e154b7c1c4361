// Package dssat provides the crop simulation tools:
// download the inputs, run the experiment, upload the outputs.
package dssat

import (
	"encoding/json"

	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/dssatmcp/simulation"
	"github.com/effective-security/dssatmcp/storage"
	"github.com/effective-security/dssatmcp/tools"
	"github.com/effective-security/dssatmcp/utils"
	"github.com/effective-security/dssatmcp/workdir"
	"github.com/effective-security/xlog"
	"github.com/invopop/jsonschema"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/dssatmcp", "tools/dssat")

// Tool names
const (
	ToolDownload = "download_files_from_s3"
	ToolRun      = "run_dssat_experiment"
	ToolUpload   = "upload_and_collect_output_files"
)

const folderDescription = "Name of the working folder under the data root. " +
	"By convention it is the capitalized name of the crop, for example Wheat or Brachiaria."

// Keys is a list of object keys.
// It is accepted as a JSON array, or as a string holding a JSON array.
type Keys []string

// UnmarshalJSON implements json.Unmarshaler
func (k *Keys) UnmarshalJSON(data []byte) error {
	list, err := utils.CoerceStrings(data)
	if err != nil {
		return toolerr.InvalidArguments("file_keys", "must be a list of strings")
	}
	*k = list
	return nil
}

// JSONSchema advertises Keys as an array of strings
func (Keys) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:  "array",
		Items: &jsonschema.Schema{Type: "string"},
	}
}

var _ json.Unmarshaler = (*Keys)(nil)

// Service implements the tools on top of the working folders,
// the storage gateway and the simulation runner
type Service struct {
	dirs    *workdir.Manager
	gateway *storage.Gateway
	runner  *simulation.Runner
}

// New returns Service
func New(dirs *workdir.Manager, gateway *storage.Gateway, runner *simulation.Runner) *Service {
	return &Service{
		dirs:    dirs,
		gateway: gateway,
		runner:  runner,
	}
}

// Tools returns the tools of the service, to be registered
func (s *Service) Tools() ([]tools.ITool, error) {
	download, err := tools.NewTyped(ToolDownload, downloadDescription, s.Download, downloadExamples...)
	if err != nil {
		return nil, err
	}
	run, err := tools.NewTyped(ToolRun, runDescription, s.Run, runExamples...)
	if err != nil {
		return nil, err
	}
	upload, err := tools.NewTyped(ToolUpload, uploadDescription, s.Upload, uploadExamples...)
	if err != nil {
		return nil, err
	}
	return []tools.ITool{download, run, upload}, nil
}

// Register registers the tools of the service
func (s *Service) Register(r *tools.Registry) error {
	list, err := s.Tools()
	if err != nil {
		return err
	}
	return r.Register(list...)
}
