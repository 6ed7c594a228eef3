// Package squash implements the four-pass layer-merge engine: a newest-to-
// oldest stream merge of whiteout-aware layer tars into one flattened tar,
// with hard links, symlinks, and regular files shadowed by a newer symlink
// deferred to later passes so that content only ever needs to be read from disk once it
// is known to survive.
//
// Deferral exists because newest-wins resolution isn't knowable in a single
// top-down pass: a hard link's target, or a later pass's decision that a
// shadowing symlink doesn't survive, can only be settled once every layer
// has been scanned.
package squash

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ocitools/oci-squash/pkg/tarpath"
)

// ErrUnnecessarySquash is returned when the resolved layer range contains
// exactly one real (non-synthetic) layer: merging a single layer into
// itself is a no-op, and the caller should treat this as a distinct,
// non-fatal condition (exit code 2).
var ErrUnnecessarySquash = errors.New("squash: range resolves to a single real layer; nothing to merge")

// LayerInput identifies one real layer to be folded into the squashed tar.
// Synthetic "<missing-K>" placeholders must never appear here — callers
// filter them out before invoking Squash.
type LayerInput struct {
	ID   string // content-addressed layer id, e.g. "sha256:<hex>"
	Path string // filesystem path to the layer's uncompressed tar
}

// Squash merges layers (ordered bottom-to-top, oldest first) into a single
// tar written to outPath. It reports produced=false, nil when layers is
// empty (an all-synthetic range: nothing to do), and ErrUnnecessarySquash
// when exactly one real layer is present.
func Squash(layers []LayerInput, outPath string) (produced bool, err error) {
	switch len(layers) {
	case 0:
		return false, nil
	case 1:
		return false, ErrUnnecessarySquash
	}

	m, err := newMerger(layers)
	if err != nil {
		return false, err
	}
	defer m.close()

	out, err := os.Create(outPath)
	if err != nil {
		return false, fmt.Errorf("squash: creating output tar: %w", err)
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	m.tw = tw

	if err := m.pass1StreamMerge(); err != nil {
		return false, err
	}
	if err := m.pass2HardLinks(); err != nil {
		return false, err
	}
	if err := m.pass3Symlinks(); err != nil {
		return false, err
	}
	if err := m.pass4DeferredFiles(); err != nil {
		return false, err
	}

	if err := tw.Close(); err != nil {
		return false, fmt.Errorf("squash: finalizing output tar: %w", err)
	}
	return true, nil
}

// layerHandle is one real layer's open tar file, addressable by k (its
// 1-indexed position counting top-down among the squashed layers: k=1 is
// the newest). The file is kept open for the lifetime of the merge because
// pass 4 re-reads it to stream deferred file content ("member content
// for deferred regular files must be read through a streaming handle when
// finally emitted, not buffered up-front").
type layerHandle struct {
	k    int
	id   string
	path string
	f    *os.File
}

type deferredSymlink struct {
	k   int
	hdr *tar.Header
}

type deferredHardlink struct {
	k   int
	hdr *tar.Header
}

type deferredFile struct {
	k     int
	hdr   *tar.Header
	layer *layerHandle
}

// merger carries all state threaded across the four passes. Nothing here is
// package-level: every accumulator is a field on this struct, constructed
// fresh per Squash call.
type merger struct {
	layers []*layerHandle // index 0 => k=1 (newest) ... index N-1 => k=N (oldest)

	tw *tar.Writer

	toSkip         []map[string]bool // to_skip[k-1]: normalized skip-prefixes declared by layer k
	skippedSymlink []map[string]bool // skipped_sym_links[k-1]: normalized names of symlinks seen in layer k
	opaqueDirs     map[string]bool   // accumulated opaque directory prefixes from layers processed so far

	squashedFiles map[string]bool // names already emitted into the squashed tar

	deferredHardlinks []deferredHardlink
	deferredSymlinks  []deferredSymlink
	deferredFiles     []deferredFile

	addedSymlinks []map[string]bool // built during pass 3: one single-name entry per symlink emitted
}

// newMerger opens every layer's tar file (bottom-to-top input is reversed
// so index 0 is the newest, i.e. k=1) and prepares empty accumulators.
func newMerger(layers []LayerInput) (*merger, error) {
	m := &merger{
		layers:        make([]*layerHandle, len(layers)),
		opaqueDirs:    map[string]bool{},
		squashedFiles: map[string]bool{},
	}

	n := len(layers)
	for i, l := range layers {
		f, err := os.Open(l.Path)
		if err != nil {
			m.close()
			return nil, fmt.Errorf("squash: opening layer %s: %w", l.ID, err)
		}
		// layers is oldest-first; newest-first position is the mirror index.
		k := n - i // 1-indexed, k=1 for the last (newest) element
		m.layers[k-1] = &layerHandle{k: k, id: l.ID, path: l.Path, f: f}
	}
	return m, nil
}

func (m *merger) close() {
	for _, l := range m.layers {
		if l != nil && l.f != nil {
			l.f.Close()
		}
	}
}

// fileShouldBeSkipped returns the 1-based index of the first (i.e.
// newest-among-matches, since table entries are ordered k=1..N) table entry
// whose skip-set matches name, either exactly or as a directory prefix
// (name == prefix or a descendant of it). Returns 0 if no entry matches.
func fileShouldBeSkipped(name string, table []map[string]bool) int {
	for i, set := range table {
		for prefix := range set {
			if tarpath.HasPathPrefix(name, prefix) {
				return i + 1
			}
		}
	}
	return 0
}

// insideOpaqueDir reports whether name is nested under any directory
// recorded as opaque so far.
func (m *merger) insideOpaqueDir(name string) bool {
	for dir := range m.opaqueDirs {
		if tarpath.HasPathPrefix(name, dir) {
			return true
		}
	}
	return false
}

// pass1StreamMerge runs the newest-to-oldest stream merge with
// whiteout classification and deferral of symlinks, hard links, and files
// that share a name with a newer layer's symlink (possibly resurrectable if
// that symlink does not survive pass 3).
func (m *merger) pass1StreamMerge() error {
	n := len(m.layers)
	m.toSkip = make([]map[string]bool, 0, n)
	m.skippedSymlink = make([]map[string]bool, 0, n)

	for _, layer := range m.layers {
		k := layer.k

		tr := tar.NewReader(layer.f)

		layerSkip := map[string]bool{}
		layerOpaqueDirs := map[string]bool{}

		// Step 3: append this layer's (so-far-empty) tables before
		// processing its members, so lookups during this layer's own
		// processing see a stable table shape.
		m.toSkip = append(m.toSkip, layerSkip)
		layerSymlinkNames := map[string]bool{}
		m.skippedSymlink = append(m.skippedSymlink, layerSymlinkNames)

		for {
			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("squash: reading layer %s: %w", layer.id, err)
			}

			name := tarpath.Normalize(hdr.Name)

			if isWhiteout, isOpaque, opaqueDir, deletedName := classifyWhiteout(name); isWhiteout {
				if isOpaque {
					layerOpaqueDirs[opaqueDir] = true
				} else {
					layerSkip[deletedName] = true
				}
				continue
			}

			if err := m.pass1Member(k, name, hdr, tr, layer, layerSymlinkNames); err != nil {
				return err
			}
		}

		for dir := range layerOpaqueDirs {
			m.opaqueDirs[dir] = true
		}
	}

	return nil
}

// pass1Member applies the per-member classification steps to one non-marker member.
func (m *merger) pass1Member(k int, name string, hdr *tar.Header, tr *tar.Reader, layer *layerHandle, layerSymlinkNames map[string]bool) error {
	// (a) opaque-directory masking from already-processed (newer) layers.
	if m.insideOpaqueDir(name) {
		return nil
	}

	// (b) symlinks are always deferred to pass 3.
	if hdr.Typeflag == tar.TypeSymlink {
		layerSymlinkNames[name] = true
		hdrCopy := *hdr
		m.deferredSymlinks = append(m.deferredSymlinks, deferredSymlink{k: k, hdr: &hdrCopy})
		return nil
	}

	// (c) a newer-layer symlink shares this name, whiteout or no: defer to
	// pass 4 regardless, since pass 3 may yet decide that symlink doesn't
	// survive and this file should resurrect in its place. This check is
	// independent of (and precedes) the to_skip check below — a bare name
	// collision with a newer symlink, with no whiteout marker anywhere,
	// must still defer, or the older file would be emitted here in pass 1
	// and beat the symlink pass 3 writes later. Content is re-read from
	// disk in pass 4, so just drain this copy of the stream to advance the
	// reader.
	if symK := fileShouldBeSkipped(name, m.skippedSymlink); symK > 0 {
		hdrCopy := *hdr
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return fmt.Errorf("squash: draining deferred member %s: %w", name, err)
		}
		m.deferredFiles = append(m.deferredFiles, deferredFile{k: k, hdr: &hdrCopy, layer: layer})
		return nil
	}

	// (d) masked by a whiteout recorded anywhere in to_skip (this layer's
	// own entry included).
	if matchK := fileShouldBeSkipped(name, m.toSkip); matchK > 0 {
		if matchK < k {
			// Deleted by a layer strictly newer than k: gone for good.
			return nil
		}
		// matchK == k: this layer both whites out and recreates name;
		// treat as a final deletion, preserving invariant 1 (no whiteout
		// survives) and invariant 3 (no member reappears once masked).
		return nil
	}

	// (e) a newer copy has already claimed this name.
	if m.squashedFiles[name] {
		return nil
	}

	// (f) hard links are deferred to pass 2.
	if hdr.Typeflag == tar.TypeLink {
		hdrCopy := *hdr
		m.deferredHardlinks = append(m.deferredHardlinks, deferredHardlink{k: k, hdr: &hdrCopy})
		return nil
	}

	// (g) emit.
	return m.add(hdr, tr, name)
}

// add is the shared emit routine used by all four passes.
func (m *merger) add(hdr *tar.Header, r io.Reader, name string) error {
	if m.squashedFiles[name] {
		return nil
	}
	if err := m.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("squash: writing %s: %w", name, err)
	}
	if r != nil && hdr.Typeflag == tar.TypeReg {
		if _, err := io.Copy(m.tw, r); err != nil {
			return fmt.Errorf("squash: writing content for %s: %w", name, err)
		}
	}
	m.squashedFiles[name] = true
	return nil
}

// pass2HardLinks resolves deferred hard links in ascending layer order.
func (m *merger) pass2HardLinks() error {
	for _, d := range m.deferredHardlinks {
		name := tarpath.Normalize(d.hdr.Name)
		target := tarpath.Normalize(d.hdr.Linkname)

		if m.squashedFiles[name] {
			continue
		}
		if !m.squashedFiles[target] {
			continue
		}
		if matchK := fileShouldBeSkipped(name, m.toSkip); matchK > 0 && matchK < d.k {
			continue
		}
		if matchK := fileShouldBeSkipped(target, m.toSkip); matchK > 0 && matchK < d.k {
			continue
		}

		if err := m.add(d.hdr, nil, name); err != nil {
			return err
		}
	}
	return nil
}

// pass3Symlinks resolves deferred symlinks in ascending layer order.
func (m *merger) pass3Symlinks() error {
	for _, d := range m.deferredSymlinks {
		name := tarpath.Normalize(d.hdr.Name)
		target := tarpath.Normalize(d.hdr.Linkname)

		if m.squashedFiles[name] {
			continue
		}
		if matchK := fileShouldBeSkipped(name, m.toSkip); matchK > 0 && matchK < d.k {
			continue
		}
		if target != "" {
			if matchK := fileShouldBeSkipped(target, m.toSkip); matchK > 0 && matchK < d.k {
				continue
			}
		}

		if err := m.add(d.hdr, nil, name); err != nil {
			return err
		}
		m.addedSymlinks = append(m.addedSymlinks, map[string]bool{name: true})
	}
	return nil
}

// pass4DeferredFiles rewinds the still-open tar of each deferred file's layer
// to stream the content of files deferred in pass 1.
func (m *merger) pass4DeferredFiles() error {
	for _, d := range m.deferredFiles {
		name := tarpath.Normalize(d.hdr.Name)

		if m.squashedFiles[name] {
			continue
		}
		if fileShouldBeSkipped(name, m.addedSymlinks) > 0 {
			continue
		}

		r, err := openMemberContent(d.layer, d.hdr.Name)
		if err != nil {
			return err
		}
		if err := m.add(d.hdr, r, name); err != nil {
			return err
		}
	}
	return nil
}

// openMemberContent re-scans layer's tar from the start to locate rawName
// and returns a reader positioned at its content. Used only for the rare
// deferred-file case, so the cost of a second pass over one layer is
// acceptable against the alternative of buffering every deferred file's
// content up front.
func openMemberContent(layer *layerHandle, rawName string) (io.Reader, error) {
	if _, err := layer.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("squash: rewinding layer %s: %w", layer.id, err)
	}
	tr := tar.NewReader(layer.f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("squash: member %s vanished from layer %s on second read", rawName, layer.id)
		}
		if err != nil {
			return nil, fmt.Errorf("squash: re-reading layer %s: %w", layer.id, err)
		}
		if hdr.Name == rawName {
			return tr, nil
		}
	}
}
