package dssat

import (
	"context"
	"time"

	"github.com/effective-security/xlog"
)

const uploadDescription = "Archive the working folder of a DSSAT experiment, upload the zip to object storage " +
	"and return a presigned URL to download it. The folder is removed after a successful upload.\n" +
	"Required arguments:\n" +
	"1) folder: working folder name (e.g. 'Wheat')."

// UploadArgs are the arguments of upload_and_collect_output_files
type UploadArgs struct {
	Folder string `json:"folder" jsonschema_description:"Name of the working folder under the data root to archive and upload." validate:"required,max=64"`
}

// UploadOutput is the result of upload_and_collect_output_files
type UploadOutput struct {
	Folder       string    `json:"folder"`
	Key          string    `json:"key"`
	PresignedURL string    `json:"s3_presigned_url"`
	ExpiresAt    time.Time `json:"expires_at"`
	SizeBytes    int64     `json:"size_bytes"`
	Files        []string  `json:"files"`
}

var uploadExamples = examples(
	map[string]any{"folder": "Brachiaria"},
	map[string]any{"folder": "Wheat"},
	map[string]any{"folder": "Custom_Folder_Name"},
)

// Upload archives and uploads the folder, then removes it.
// The folder is kept when the upload fails.
func (s *Service) Upload(ctx context.Context, in *UploadArgs) (*UploadOutput, error) {
	d, err := s.dirs.Lookup(ctx, in.Folder, ToolUpload)
	if err != nil {
		return nil, err
	}
	defer s.dirs.Release(ctx, d)

	up, err := s.gateway.ArchiveAndUpload(ctx, d)
	if err != nil {
		return nil, err
	}

	if err = s.dirs.Cleanup(ctx, d); err != nil {
		logger.ContextKV(ctx, xlog.ERROR,
			"reason", "cleanup",
			"folder", d.Name,
			"err", err.Error(),
		)
	}

	return &UploadOutput{
		Folder:       d.Name,
		Key:          up.Key,
		PresignedURL: up.URL,
		ExpiresAt:    up.ExpiresAt,
		SizeBytes:    up.SizeBytes,
		Files:        up.Files,
	}, nil
}
