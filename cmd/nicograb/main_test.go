package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/iconidentify/nicograb/internal/domain"
	"github.com/iconidentify/nicograb/internal/platformtest"
)

func writeMetadata(t *testing.T, videos ...*domain.Video) string {
	t.Helper()
	data, err := json.Marshal(videos)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	path := filepath.Join(t.TempDir(), "videos.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	return path
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"nicograb"}, args...))
	return out.String(), err
}

func TestDownloadCommand(t *testing.T) {
	srv := platformtest.New(t)
	dmcData := bytes.Repeat([]byte("dmc-"), 300)
	smileData := bytes.Repeat([]byte("smile-"), 200)
	so1 := srv.AddDMC("so1", dmcData)
	sm1 := srv.AddSmile("sm1", smileData)
	nm1 := &domain.Video{ID: "nm1", Title: "none", MovieType: "flv"}

	metadata := writeMetadata(t, so1, sm1, nm1)
	dest := filepath.Join(t.TempDir(), "out")

	t.Run("selected ids", func(t *testing.T) {
		out, err := runApp(t, "download", "--metadata", metadata, "--dest", dest, "--division", "3", "so1", "sm1")
		if err != nil {
			t.Fatalf("download failed: %v\n%s", err, out)
		}
		if !strings.Contains(out, "done\tso1") || !strings.Contains(out, "done\tsm1") {
			t.Errorf("output = %q", out)
		}

		got, err := os.ReadFile(so1.Path(dest))
		if err != nil || !bytes.Equal(got, dmcData) {
			t.Errorf("so1 output mismatch: %v", err)
		}
		got, err = os.ReadFile(sm1.Path(dest))
		if err != nil || !bytes.Equal(got, smileData) {
			t.Errorf("sm1 output mismatch: %v", err)
		}
	})

	t.Run("unsupported video fails the run", func(t *testing.T) {
		out, err := runApp(t, "download", "--metadata", metadata, "--dest", dest, "nm1")
		if err == nil {
			t.Fatal("expected error for a failed video")
		}
		if !strings.Contains(out, "failed\tnm1\tselect") {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if _, err := runApp(t, "download", "--metadata", metadata, "--dest", dest, "sm404"); err == nil {
			t.Error("expected error for an unknown id")
		}
	})
}

func TestDownloadCommand_RequiresMetadata(t *testing.T) {
	if _, err := runApp(t, "download"); err == nil {
		t.Error("expected error without --metadata")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runApp(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "nicograb dev") {
		t.Errorf("output = %q", out)
	}
}
