package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ocitools/oci-squash/pkg/imagefmt"
	"github.com/ocitools/oci-squash/pkg/instrumented"
)

// CopyPreserved byte-for-byte copies one kept layer's tar content into
// newRoot, laid out per destFormat: OCI destinations go to
// blobs/sha256/<digest>; Docker destinations go to <digest>/layer.tar, with
// a minimal VERSION and json sidecar written alongside it since this tool's
// output is always a Docker v1.2 tar regardless of input format.
func CopyPreserved(srcLayerTar, newRoot string, destFormat imagefmt.Format, layerID string, log *slog.Logger) error {
	dstPath, err := imagefmt.LayerTarPath(newRoot, destFormat, layerID)
	if err != nil {
		return fmt.Errorf("archive: resolving destination for %s: %w", layerID, err)
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}

	src, err := os.Open(srcLayerTar)
	if err != nil {
		return fmt.Errorf("archive: opening %s: %w", srcLayerTar, err)
	}
	wrappedSrc := instrumented.Reader(src, log, srcLayerTar)
	defer wrappedSrc.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("archive: creating %s: %w", dstPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, wrappedSrc); err != nil {
		return fmt.Errorf("archive: copying %s -> %s: %w", srcLayerTar, dstPath, err)
	}

	if destFormat == imagefmt.Docker {
		return writeDockerLayerSidecars(filepath.Dir(dstPath), layerID)
	}
	return nil
}

// writeDockerLayerSidecars writes the legacy VERSION and json files
// `docker save` places beside each layer.tar.
func writeDockerLayerSidecars(layerDir, layerID string) error {
	versionPath := filepath.Join(layerDir, "VERSION")
	if _, err := os.Stat(versionPath); os.IsNotExist(err) {
		if err := os.WriteFile(versionPath, []byte("1.0"), 0o644); err != nil {
			return fmt.Errorf("archive: writing %s: %w", versionPath, err)
		}
	}

	jsonPath := filepath.Join(layerDir, "json")
	if _, err := os.Stat(jsonPath); os.IsNotExist(err) {
		sidecar, err := json.Marshal(map[string]string{"id": layerIDHex(layerID)})
		if err != nil {
			return err
		}
		if err := os.WriteFile(jsonPath, sidecar, 0o644); err != nil {
			return fmt.Errorf("archive: writing %s: %w", jsonPath, err)
		}
	}
	return nil
}

func layerIDHex(layerID string) string {
	for i, c := range layerID {
		if c == ':' {
			return layerID[i+1:]
		}
	}
	return layerID
}
