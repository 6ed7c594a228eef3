// Package metadata implements the metadata reader (C3) and writer (C6):
// parsing a Docker v1.2 or OCI image-layout root into an ordered layer list
// plus raw config JSON, and, after squashing, recomputing diff_ids,
// chain_ids, history, and the manifest/repositories files that make up the
// output image tar.
package metadata

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ocitools/oci-squash/pkg/imagefmt"
)

// LayerID is either a real content-addressed layer id or a synthetic
// "<missing-K>" placeholder standing in for a history entry with no
// associated blob.
type LayerID struct {
	Digest   string // "sha256:<hex>"; empty when Synthetic
	Synthetic bool
	Missing  int // K, meaningful only when Synthetic
}

// String renders the id the way it appears in history/debug output.
func (id LayerID) String() string {
	if id.Synthetic {
		return fmt.Sprintf("<missing-%d>", id.Missing)
	}
	return id.Digest
}

// IsReal reports whether id refers to an actual layer tar.
func (id LayerID) IsReal() bool {
	return !id.Synthetic
}

// Real returns the layer's digest and true, or ("", false) if id is
// synthetic. Callers resolving tar paths (imagefmt.LayerTarPath) must check
// this before use, mirroring imagefmt.IsSynthetic.
func (id LayerID) Real() (string, bool) {
	if id.Synthetic {
		return "", false
	}
	return id.Digest, true
}

func realLayerID(digest string) LayerID {
	return LayerID{Digest: digest}
}

func syntheticLayerID(k int) LayerID {
	return LayerID{Synthetic: true, Missing: k}
}

// ParseLayerID parses either a real digest or a "<missing-K>" placeholder
// back into a LayerID, for round-tripping ids read from an existing
// repositories/manifest file (e.g. when resolving --from-layer by id).
func ParseLayerID(s string) (LayerID, error) {
	if strings.HasPrefix(s, "<missing-") && strings.HasSuffix(s, ">") {
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(s, "<missing-"), ">"))
		if err != nil {
			return LayerID{}, fmt.Errorf("metadata: malformed synthetic layer id %q: %w", s, err)
		}
		return syntheticLayerID(n), nil
	}
	return realLayerID(s), nil
}

// Image is the result of reading an image root (C3's output): the ordered
// (bottom-to-top) layer id sequence, interleaving real digests with
// synthetic placeholders, plus the raw config document and the on-disk
// layout it was read from.
type Image struct {
	Format   imagefmt.Format
	LayerIDs []LayerID
	Config   []byte
}

// RealLayers returns the subset of ids that refer to actual layer tars, in
// the same relative order, filtering out synthetic placeholders (these
// never contribute tar content and must not reach the squash engine).
func (img *Image) RealLayers() []LayerID {
	var out []LayerID
	for _, id := range img.LayerIDs {
		if id.IsReal() {
			out = append(out, id)
		}
	}
	return out
}
