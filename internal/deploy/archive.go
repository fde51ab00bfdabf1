package deploy

import (
	"archive/tar"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/moby/go-archive"
)

// ListEntries reads the archive's entry names without extracting anything.
// A listing failure means the archive is corrupt; an empty listing is
// rejected by the manager before any extraction happens.
func ListEntries(archivePath string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read archive compression: %w", err)
	}
	defer gz.Close()

	var entries []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list archive entries: %w", err)
		}
		entries = append(entries, hdr.Name)
	}
	return entries, nil
}

// Extract unpacks the archive into dir. Archive-embedded ownership is never
// trusted: entries are chowned to the extracting process, symlink overwrite
// of existing files is refused, and extended attributes are best-effort
// rather than required.
func Extract(archivePath, dir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	opts := &archive.TarOptions{
		NoLchown:             true,
		NoOverwriteDirNonDir: true,
		BestEffortXattrs:     true,
		ChownOpts:            &archive.ChownOpts{UID: os.Getuid(), GID: os.Getgid()},
	}
	if err := archive.Untar(f, dir, opts); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}
	return nil
}
