// Package imagefmt locates layer content and distinguishes the two on-disk
// image layouts this tool accepts: legacy Docker v1.2 tar layout (a
// manifest.json plus one directory per layer) and OCI image-layout (an
// oci-layout marker plus content-addressed blobs).
package imagefmt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Format identifies the on-disk layout of an extracted image root.
type Format int

const (
	// Docker is the legacy `docker save` v1.2 tar layout: manifest.json at
	// the root, one directory per layer holding layer.tar/json/VERSION.
	Docker Format = iota
	// OCI is the OCI image-layout: oci-layout + index.json at the root,
	// content-addressed blobs under blobs/sha256/.
	OCI
)

func (f Format) String() string {
	switch f {
	case Docker:
		return "docker"
	case OCI:
		return "oci"
	default:
		return "unknown"
	}
}

// ErrUnrecognizedLayout is returned by Detect when neither a Docker
// manifest.json nor an OCI oci-layout marker is present at root.
var ErrUnrecognizedLayout = errors.New("imagefmt: unrecognized image layout")

// Detect inspects the top level of an extracted image root and reports
// whether it is a Docker v1.2 or OCI image-layout tree.
func Detect(root string) (Format, error) {
	if _, err := os.Stat(filepath.Join(root, "oci-layout")); err == nil {
		return OCI, nil
	}
	if _, err := os.Stat(filepath.Join(root, "manifest.json")); err == nil {
		return Docker, nil
	}
	return Docker, fmt.Errorf("%s: %w", root, ErrUnrecognizedLayout)
}

// digestHex returns the hex portion of a layer id of the form
// "sha256:<hex>", or the id itself if it carries no algorithm prefix (e.g.
// an id with a bare hex digest, tolerated for legacy manifests).
func digestHex(layerID string) string {
	if d, err := digest.Parse(layerID); err == nil {
		return d.Encoded()
	}
	if i := strings.IndexByte(layerID, ':'); i >= 0 {
		return layerID[i+1:]
	}
	return layerID
}

// IsSynthetic reports whether layerID is a placeholder history entry
// (`<missing-K>`) with no associated tar content; such ids must be skipped
// by every caller that resolves tar paths.
func IsSynthetic(layerID string) bool {
	return strings.HasPrefix(layerID, "<missing-") && strings.HasSuffix(layerID, ">")
}

// LayerTarPath resolves the filesystem path to a real (non-synthetic)
// layer's uncompressed tar content inside an extracted root of the given
// format.
//
// Docker layout: root/<digest>/layer.tar.
// OCI layout: root/blobs/sha256/<digest>.
func LayerTarPath(root string, format Format, layerID string) (string, error) {
	if IsSynthetic(layerID) {
		return "", fmt.Errorf("imagefmt: synthetic layer id %q has no tar path", layerID)
	}
	hex := digestHex(layerID)
	switch format {
	case OCI:
		return filepath.Join(root, "blobs", "sha256", hex), nil
	case Docker:
		return filepath.Join(root, hex, "layer.tar"), nil
	default:
		return "", fmt.Errorf("imagefmt: unknown format %v", format)
	}
}

// BlobPath resolves the filesystem path to any content-addressed blob
// (manifest, config, or layer) in an OCI image-layout root.
func BlobPath(root string, digestHexOrID string) string {
	return filepath.Join(root, "blobs", "sha256", digestHex(digestHexOrID))
}

// DockerLayerDir resolves the per-layer directory (holding layer.tar, json,
// VERSION) inside a Docker-layout root.
func DockerLayerDir(root string, layerID string) string {
	return filepath.Join(root, digestHex(layerID))
}
