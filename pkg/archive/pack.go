package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/ocitools/oci-squash/pkg/instrumented"
)

// Pack walks srcDir in sorted, deterministic order and writes its contents
// as a tar archive to tarPath, rebuilding a fresh header per entry.
func Pack(srcDir, tarPath string, log *slog.Logger) error {
	out, err := os.Create(tarPath)
	if err != nil {
		return fmt.Errorf("archive: creating %s: %w", tarPath, err)
	}
	wrapped := instrumented.Writer(out, log, tarPath)
	defer wrapped.Close()

	tw := tar.NewWriter(wrapped)

	var names []string
	if err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}
		names = append(names, path)
		return nil
	}); err != nil {
		return fmt.Errorf("archive: walking %s: %w", srcDir, err)
	}
	sort.Strings(names)

	for _, path := range names {
		if err := packEntry(tw, srcDir, path); err != nil {
			return err
		}
	}

	return tw.Close()
}

func packEntry(tw *tar.Writer, srcDir, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("archive: stat %s: %w", path, err)
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		link, err = os.Readlink(path)
		if err != nil {
			return fmt.Errorf("archive: reading symlink %s: %w", path, err)
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("archive: building header for %s: %w", path, err)
	}

	rel, err := filepath.Rel(srcDir, path)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		hdr.Name += "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archive: writing header for %s: %w", path, err)
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("archive: opening %s: %w", path, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("archive: writing content for %s: %w", path, err)
		}
	}

	return nil
}
