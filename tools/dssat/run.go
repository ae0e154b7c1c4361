package dssat

import (
	"context"

	"github.com/effective-security/dssatmcp/simulation"
)

const runDescription = "Run a DSSAT experiment in a working folder prepared by download_files_from_s3.\n" +
	"Required arguments:\n" +
	"1) folder: working folder name (e.g. 'Wheat').\n" +
	"2) experiment_file: FileX name ending with X (e.g. 'SWSW7501.WHX')."

// RunArgs are the arguments of run_dssat_experiment
type RunArgs struct {
	Folder         string `json:"folder" jsonschema_description:"Name of the working folder under the data root, it must contain the downloaded input files." validate:"required,max=64"`
	ExperimentFile string `json:"experiment_file" jsonschema_description:"DSSAT FileX experiment file to run, the name ends with X." validate:"required,max=255"`
}

var runExamples = examples(
	map[string]any{"folder": "Brachiaria", "experiment_file": "CNCH8201.BRX"},
	map[string]any{"folder": "Wheat", "experiment_file": "SWSW7501.WHX"},
	map[string]any{"folder": "Custom_Folder_Name", "experiment_file": "Custom_Experiment_File.X"},
)

// Run executes the simulation in an existing folder
func (s *Service) Run(ctx context.Context, in *RunArgs) (*simulation.Result, error) {
	if err := simulation.ValidateExperimentFile(in.ExperimentFile); err != nil {
		return nil, err
	}
	d, err := s.dirs.Lookup(ctx, in.Folder, ToolRun)
	if err != nil {
		return nil, err
	}
	defer s.dirs.Release(ctx, d)

	return s.runner.Run(ctx, d, in.ExperimentFile)
}
