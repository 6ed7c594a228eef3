package imagefmt

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetect(t *testing.T) {
	t.Run("oci", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "oci-layout"), []byte(`{}`), 0o644); err != nil {
			t.Fatal(err)
		}
		got, err := Detect(dir)
		if err != nil {
			t.Fatal(err)
		}
		if got != OCI {
			t.Errorf("Detect() = %v, want OCI", got)
		}
	})

	t.Run("docker", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(`[]`), 0o644); err != nil {
			t.Fatal(err)
		}
		got, err := Detect(dir)
		if err != nil {
			t.Fatal(err)
		}
		if got != Docker {
			t.Errorf("Detect() = %v, want Docker", got)
		}
	})

	t.Run("unrecognized", func(t *testing.T) {
		dir := t.TempDir()
		if _, err := Detect(dir); err == nil {
			t.Error("expected error for empty root")
		}
	})
}

func TestIsSynthetic(t *testing.T) {
	if !IsSynthetic("<missing-3>") {
		t.Error("expected synthetic id to be recognized")
	}
	if IsSynthetic("sha256:abcd") {
		t.Error("real digest misclassified as synthetic")
	}
}

func TestLayerTarPath(t *testing.T) {
	t.Run("docker", func(t *testing.T) {
		got, err := LayerTarPath("/root", Docker, "sha256:deadbeef")
		if err != nil {
			t.Fatal(err)
		}
		want := filepath.Join("/root", "deadbeef", "layer.tar")
		if got != want {
			t.Errorf("got %q want %q", got, want)
		}
	})

	t.Run("oci", func(t *testing.T) {
		got, err := LayerTarPath("/root", OCI, "sha256:deadbeef")
		if err != nil {
			t.Fatal(err)
		}
		want := filepath.Join("/root", "blobs", "sha256", "deadbeef")
		if got != want {
			t.Errorf("got %q want %q", got, want)
		}
	})

	t.Run("synthetic rejected", func(t *testing.T) {
		if _, err := LayerTarPath("/root", Docker, "<missing-1>"); err == nil {
			t.Error("expected error resolving synthetic id")
		}
	})
}
