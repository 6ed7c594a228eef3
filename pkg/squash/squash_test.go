package squash

import (
	"archive/tar"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type tarEntry struct {
	name     string
	typeflag byte
	linkname string
	body     string
}

func writeLayerTar(t *testing.T, dir, fileName string, entries []tarEntry) string {
	t.Helper()
	path := filepath.Join(dir, fileName)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     0o644,
		}
		if e.typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	return path
}

func readResultNames(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	got := map[string]string{}
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		got[hdr.Name] = string(body)
	}
	return got
}

// S1 Basic overlay.
func TestSquashBasicOverlay(t *testing.T) {
	dir := t.TempDir()
	l1 := writeLayerTar(t, dir, "l1.tar", []tarEntry{
		{name: "a", body: "old-a"},
		{name: "b", body: "b"},
	})
	l2 := writeLayerTar(t, dir, "l2.tar", []tarEntry{
		{name: "a", body: "new-a"},
		{name: "c", body: "c"},
	})

	out := filepath.Join(dir, "squashed.tar")
	produced, err := Squash([]LayerInput{
		{ID: "sha256:l1", Path: l1},
		{ID: "sha256:l2", Path: l2},
	}, out)
	if err != nil {
		t.Fatal(err)
	}
	if !produced {
		t.Fatal("expected a squashed tar to be produced")
	}

	got := readResultNames(t, out)
	if len(got) != 3 {
		t.Fatalf("expected 3 members, got %d: %+v", len(got), got)
	}
	if got["a"] != "new-a" {
		t.Errorf("a = %q, want new-a", got["a"])
	}
	if _, ok := got["b"]; !ok {
		t.Error("missing b")
	}
	if _, ok := got["c"]; !ok {
		t.Error("missing c")
	}
}

// S2 Whiteout.
func TestSquashWhiteout(t *testing.T) {
	dir := t.TempDir()
	l1 := writeLayerTar(t, dir, "l1.tar", []tarEntry{
		{name: "x", body: "x"},
		{name: "y/z", body: "z"},
	})
	l2 := writeLayerTar(t, dir, "l2.tar", []tarEntry{
		{name: ".wh.x", body: ""},
		{name: "y/w", body: "w"},
	})

	out := filepath.Join(dir, "squashed.tar")
	produced, err := Squash([]LayerInput{
		{ID: "sha256:l1", Path: l1},
		{ID: "sha256:l2", Path: l2},
	}, out)
	if err != nil {
		t.Fatal(err)
	}
	if !produced {
		t.Fatal("expected a squashed tar to be produced")
	}

	got := readResultNames(t, out)
	if len(got) != 2 {
		t.Fatalf("expected 2 members, got %d: %+v", len(got), got)
	}
	if _, ok := got["x"]; ok {
		t.Error("x should have been deleted by whiteout")
	}
	if _, ok := got["y/z"]; !ok {
		t.Error("missing y/z")
	}
	if _, ok := got["y/w"]; !ok {
		t.Error("missing y/w")
	}
}

// S3 Opaque directory.
func TestSquashOpaqueDirectory(t *testing.T) {
	dir := t.TempDir()
	l1 := writeLayerTar(t, dir, "l1.tar", []tarEntry{
		{name: "d/a", body: "a"},
		{name: "d/b", body: "b"},
	})
	l2 := writeLayerTar(t, dir, "l2.tar", []tarEntry{
		{name: "d/.wh..wh..opq", body: ""},
		{name: "d/c", body: "c"},
	})

	out := filepath.Join(dir, "squashed.tar")
	produced, err := Squash([]LayerInput{
		{ID: "sha256:l1", Path: l1},
		{ID: "sha256:l2", Path: l2},
	}, out)
	if err != nil {
		t.Fatal(err)
	}
	if !produced {
		t.Fatal("expected a squashed tar to be produced")
	}

	got := readResultNames(t, out)
	if _, ok := got["d/a"]; ok {
		t.Error("d/a should be masked by opaque directory")
	}
	if _, ok := got["d/b"]; ok {
		t.Error("d/b should be masked by opaque directory")
	}
	if _, ok := got["d/c"]; !ok {
		t.Error("missing d/c")
	}
}

// S4 Resurrection.
func TestSquashResurrection(t *testing.T) {
	dir := t.TempDir()
	l1 := writeLayerTar(t, dir, "l1.tar", []tarEntry{{name: "f", body: "v1"}})
	l2 := writeLayerTar(t, dir, "l2.tar", []tarEntry{{name: ".wh.f", body: ""}})
	l3 := writeLayerTar(t, dir, "l3.tar", []tarEntry{{name: "f", body: "v3"}})

	out := filepath.Join(dir, "squashed.tar")
	produced, err := Squash([]LayerInput{
		{ID: "sha256:l1", Path: l1},
		{ID: "sha256:l2", Path: l2},
		{ID: "sha256:l3", Path: l3},
	}, out)
	if err != nil {
		t.Fatal(err)
	}
	if !produced {
		t.Fatal("expected a squashed tar to be produced")
	}

	got := readResultNames(t, out)
	if len(got) != 1 {
		t.Fatalf("expected 1 member, got %d: %+v", len(got), got)
	}
	if got["f"] != "v3" {
		t.Errorf("f = %q, want v3", got["f"])
	}
}

// S5 Hard link after deletion of target.
func TestSquashHardLinkAfterDeletion(t *testing.T) {
	dir := t.TempDir()
	l1 := writeLayerTar(t, dir, "l1.tar", []tarEntry{{name: "t", body: "content"}})
	l2 := writeLayerTar(t, dir, "l2.tar", []tarEntry{{name: "h", typeflag: tar.TypeLink, linkname: "t"}})
	l3 := writeLayerTar(t, dir, "l3.tar", []tarEntry{{name: ".wh.t", body: ""}})

	out := filepath.Join(dir, "squashed.tar")
	produced, err := Squash([]LayerInput{
		{ID: "sha256:l1", Path: l1},
		{ID: "sha256:l2", Path: l2},
		{ID: "sha256:l3", Path: l3},
	}, out)
	if err != nil {
		t.Fatal(err)
	}
	if !produced {
		t.Fatal("expected a squashed tar to be produced")
	}

	got := readResultNames(t, out)
	if _, ok := got["t"]; ok {
		t.Error("t should have been deleted")
	}
	if _, ok := got["h"]; ok {
		t.Error("h should have been dropped: its target was deleted")
	}
	if len(got) != 0 {
		t.Fatalf("expected 0 members, got %d: %+v", len(got), got)
	}
}

// A newer-layer symlink shadows an older plain file of the same name,
// with no whiteout marker anywhere. The symlink must win: the older file
// must be deferred in pass 1, not emitted immediately.
func TestSquashSymlinkShadowsOlderFileNoWhiteout(t *testing.T) {
	dir := t.TempDir()
	l1 := writeLayerTar(t, dir, "l1.tar", []tarEntry{{name: "s", body: "old-plain-file"}})
	l2 := writeLayerTar(t, dir, "l2.tar", []tarEntry{{name: "s", typeflag: tar.TypeSymlink, linkname: "t"}})

	out := filepath.Join(dir, "squashed.tar")
	produced, err := Squash([]LayerInput{
		{ID: "sha256:l1", Path: l1},
		{ID: "sha256:l2", Path: l2},
	}, out)
	if err != nil {
		t.Fatal(err)
	}
	if !produced {
		t.Fatal("expected a squashed tar to be produced")
	}

	hdr := readResultHeader(t, out, "s")
	if hdr == nil {
		t.Fatal("missing s")
	}
	if hdr.Typeflag != tar.TypeSymlink {
		t.Fatalf("s has typeflag %v, want symlink (newest layer must win over the older plain file)", hdr.Typeflag)
	}
	if hdr.Linkname != "t" {
		t.Errorf("s -> %q, want t", hdr.Linkname)
	}
}

func readResultHeader(t *testing.T, path, name string) *tar.Header {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Name == name {
			h := *hdr
			return &h
		}
	}
}

func TestSquashUnnecessarySquash(t *testing.T) {
	dir := t.TempDir()
	l1 := writeLayerTar(t, dir, "l1.tar", []tarEntry{{name: "a", body: "a"}})

	out := filepath.Join(dir, "squashed.tar")
	produced, err := Squash([]LayerInput{{ID: "sha256:l1", Path: l1}}, out)
	if !errors.Is(err, ErrUnnecessarySquash) {
		t.Fatalf("err = %v, want ErrUnnecessarySquash", err)
	}
	if produced {
		t.Fatal("expected produced = false")
	}
}

func TestSquashAllSynthetic(t *testing.T) {
	produced, err := Squash(nil, filepath.Join(t.TempDir(), "squashed.tar"))
	if err != nil {
		t.Fatal(err)
	}
	if produced {
		t.Fatal("expected produced = false for an empty (all-synthetic) range")
	}
}

func TestFileShouldBeSkipped(t *testing.T) {
	table := []map[string]bool{
		{"a": true},
		{"b": true, "dir": true},
	}
	if got := fileShouldBeSkipped("a", table); got != 1 {
		t.Errorf("fileShouldBeSkipped(a) = %d, want 1", got)
	}
	if got := fileShouldBeSkipped("dir/child", table); got != 2 {
		t.Errorf("fileShouldBeSkipped(dir/child) = %d, want 2", got)
	}
	if got := fileShouldBeSkipped("nope", table); got != 0 {
		t.Errorf("fileShouldBeSkipped(nope) = %d, want 0", got)
	}
}
