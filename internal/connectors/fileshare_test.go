package connectors

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dossier/internal/faults"
	store "dossier/internal/store"
)

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		rel     string
		want    bool
	}{
		{"**/*", "a.txt", true},
		{"**/*", "sub/deep/c.md", true},
		{"*.csv", "b.csv", true},
		{"*.csv", "sub/b.csv", false},
		{"**/*.csv", "b.csv", true},
		{"**/*.csv", "sub/b.csv", true},
		{"**/*.csv", "sub/deep/c.csv", true},
		{"**/*.csv", "sub/deep/c.md", false},
		{"**/data/*.csv", "data/points.csv", true},
		{"**/data/*.csv", "runs/data/points.csv", true},
		{"**/data/*.csv", "data/runs/points.csv", false},
		{"report.*", "report.json", true},
		{"report.*", "summary.json", false},
	}
	for _, tc := range cases {
		if got := matchPattern(tc.pattern, tc.rel); got != tc.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tc.pattern, tc.rel, got, tc.want)
		}
	}
}

func scanRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	write := func(rel, content string) {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("a.txt", "alpha")
	write("sub/b.csv", "x,y\n1,2\n")
	write("sub/deep/c.md", "# c")
	return root
}

func TestShareScanPatternSelectsFiles(t *testing.T) {
	root := scanRoot(t)
	src := NewFileshareSource()

	refs, err := src.ShareScan(context.Background(), root, "**/*.csv")
	if err != nil {
		t.Fatalf("ShareScan: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("got %d refs, want 1", len(refs))
	}
	ref := refs[0]
	if ref.Name != "b.csv" || ref.Source != store.SourceFileshare {
		t.Errorf("unexpected ref: %+v", ref)
	}
	if ref.MediaType != "text/csv" {
		t.Errorf("media type = %q", ref.MediaType)
	}
	if sp, _ := ref.Provenance["share_path"].(string); sp != root {
		t.Errorf("share_path = %q, want %q", sp, root)
	}
	if fp, _ := ref.Provenance["file_path"].(string); !strings.HasSuffix(fp, filepath.Join("sub", "b.csv")) {
		t.Errorf("file_path = %q", fp)
	}
}

func TestShareScanDefaultPatternWalksEverything(t *testing.T) {
	root := scanRoot(t)
	refs, err := NewFileshareSource().ShareScan(context.Background(), root, "")
	if err != nil {
		t.Fatalf("ShareScan: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("got %d refs, want 3", len(refs))
	}
}

func TestShareScanRejectsBadRoots(t *testing.T) {
	root := scanRoot(t)

	_, err := NewFileshareSource().ShareScan(context.Background(), filepath.Join(root, "missing"), "")
	if faults.KindOf(err) != faults.KindPermanentIO {
		t.Errorf("missing root: kind = %v, err = %v", faults.KindOf(err), err)
	}

	_, err = NewFileshareSource().ShareScan(context.Background(), filepath.Join(root, "a.txt"), "")
	if err == nil || !strings.Contains(err.Error(), "not a directory") {
		t.Errorf("file root: err = %v", err)
	}
}

func TestLocalSourceListAndFetch(t *testing.T) {
	root := scanRoot(t)
	src := NewLocalSource()
	if src.Name() != store.SourceLocal {
		t.Fatalf("Name() = %q", src.Name())
	}
	if NewFileshareSource().Name() != store.SourceFileshare {
		t.Fatal("fileshare constructor mislabeled")
	}

	files, folders, err := src.List(context.Background(), root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 1 || files[0].Name != "a.txt" {
		t.Fatalf("files = %+v", files)
	}
	if files[0].SizeBytes != int64(len("alpha")) || files[0].MediaType != "text/plain" {
		t.Errorf("ref metadata: %+v", files[0])
	}
	if len(folders) != 1 || filepath.Base(folders[0]) != "sub" {
		t.Fatalf("folders = %v", folders)
	}

	data, err := src.Fetch(context.Background(), files[0])
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "alpha" {
		t.Errorf("content = %q", data)
	}

	missing := files[0]
	missing.SourceID = filepath.Join(root, "gone.txt")
	if _, err := src.Fetch(context.Background(), missing); faults.KindOf(err) != faults.KindPermanentIO {
		t.Errorf("missing file: kind = %v", faults.KindOf(err))
	}
}

func TestShareScanHonorsCancelledContext(t *testing.T) {
	root := scanRoot(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFileshareSource().ShareScan(ctx, root, "")
	if faults.KindOf(err) != faults.KindCancelled {
		t.Errorf("kind = %v, err = %v", faults.KindOf(err), err)
	}
}
