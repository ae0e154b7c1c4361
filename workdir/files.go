package workdir

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/effective-security/xlog"
	"github.com/klauspost/compress/zip"
)

// File is a regular file in the working folder
type File struct {
	// Name is relative to the folder, with forward slashes
	Name    string `json:"name"`
	Size    int64  `json:"size_bytes"`
	abspath string
}

// ArchiveInfo describes the written archive
type ArchiveInfo struct {
	Files []string `json:"files"`
	// Bytes is the total uncompressed size
	Bytes int64 `json:"bytes"`
}

// Files returns the regular files of the folder in lexical order
func (m *Manager) Files(d *Dir) ([]File, error) {
	var list []File
	err := filepath.WalkDir(d.Path, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !de.Type().IsRegular() {
			return nil
		}
		fi, err := de.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(d.Path, p)
		if err != nil {
			return err
		}
		list = append(list, File{
			Name:    filepath.ToSlash(rel),
			Size:    fi.Size(),
			abspath: p,
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to list folder %s", d.Name)
	}
	return list, nil
}

// IsEmpty returns true if the folder has no regular files
func (m *Manager) IsEmpty(d *Dir) (bool, error) {
	list, err := m.Files(d)
	if err != nil {
		return false, err
	}
	return len(list) == 0, nil
}

// Archive writes deflated zip of every regular file of the folder
func (m *Manager) Archive(ctx context.Context, d *Dir, w io.Writer) (*ArchiveInfo, error) {
	list, err := m.Files(d)
	if err != nil {
		return nil, err
	}

	info := &ArchiveInfo{
		Files: make([]string, 0, len(list)),
	}

	zw := zip.NewWriter(w)
	for _, f := range list {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		n, err := addFile(zw, f)
		if err != nil {
			return nil, errors.WithMessagef(err, "unable to archive %s", f.Name)
		}
		info.Files = append(info.Files, f.Name)
		info.Bytes += n
	}
	if err = zw.Close(); err != nil {
		return nil, errors.Wrap(err, "unable to close archive")
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"folder", d.Name,
		"files", len(info.Files),
		"size", humanize.Bytes(uint64(info.Bytes)),
	)
	return info, nil
}

func addFile(zw *zip.Writer, f File) (int64, error) {
	src, err := os.Open(f.abspath)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return 0, errors.WithStack(err)
	}

	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	hdr.Name = f.Name
	hdr.Method = zip.Deflate

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		return n, errors.WithStack(err)
	}
	return n, nil
}
