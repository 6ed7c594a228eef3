package squash

import (
	"strings"

	"github.com/ocitools/oci-squash/pkg/tarpath"
)

// AUFS whiteout marker conventions. This package only ever needs to
// classify and strip these markers (never translate them to OverlayFS
// form), since the squash engine's output never carries whiteouts.
const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// classifyWhiteout reports whether name (already normalized) is a whiteout-related
// entry, and if so what it means:
//
//   - isOpaque: name is a "<dir>/.wh..wh..opq" opaque-directory marker;
//     opaqueDir is the (normalized) directory it marks.
//   - deletedName: for a plain ".wh.<x>" marker, the normalized sibling name
//     it deletes.
func classifyWhiteout(name string) (isWhiteout, isOpaque bool, opaqueDir, deletedName string) {
	dir := tarpath.Dir(name)
	base := tarpath.Base(name)

	if base == opaqueMarker {
		return true, true, dir, ""
	}
	if strings.HasPrefix(base, whiteoutPrefix) {
		target := base[len(whiteoutPrefix):]
		if dir == "" {
			return true, false, "", target
		}
		return true, false, "", dir + "/" + target
	}
	return false, false, "", ""
}
