package migrations

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "db", "migrations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir migrations: %v", err)
	}
	file := filepath.Join(root, "0001_bus_log.up.sql")
	if err := os.WriteFile(file, []byte("select 1;"), 0o600); err != nil {
		t.Fatalf("write migration file: %v", err)
	}

	cases := []struct {
		name    string
		path    string
		wantErr error
	}{
		{name: "directory", path: dir},
		{name: "missing", path: filepath.Join(root, "missing"), wantErr: fs.ErrNotExist},
		{name: "file", path: file, wantErr: errNotDirectory},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resolved, err := resolveDir(tc.path)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("resolveDir(%s) error = %v, want %v", tc.path, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveDir(%s): %v", tc.path, err)
			}
			if !filepath.IsAbs(resolved) || resolved != filepath.Clean(resolved) {
				t.Fatalf("expected clean absolute path, got %s", resolved)
			}
		})
	}
}

func TestFileURL(t *testing.T) {
	for _, path := range []string{"/srv/waitroom/db/migrations", "C:/waitroom/db/migrations"} {
		got := fileURL(path)
		if !strings.HasPrefix(got, "file://") || len(got) <= len("file://") {
			t.Fatalf("fileURL(%s) = %s", path, got)
		}
	}
}

func TestOperationsValidateBeforeConnecting(t *testing.T) {
	ctx := context.Background()
	const dsn = "postgresql://invalid"

	if err := Apply(ctx, dsn, "does-not-exist", nil); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Apply with missing dir: %v", err)
	}
	if err := Rollback(ctx, dsn, "does-not-exist", 1, nil); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Rollback with missing dir: %v", err)
	}
	if err := Rollback(ctx, dsn, t.TempDir(), 0, nil); !errors.Is(err, errInvalidSteps) {
		t.Fatalf("Rollback with zero steps: %v", err)
	}
	if err := ApplyFS(ctx, dsn, nil, nil); err == nil {
		t.Fatal("ApplyFS with nil filesystem should fail")
	}
}
