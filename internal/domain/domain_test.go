package domain

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

// =============================================================================
// Video Tests
// =============================================================================

func completeDMC() *DMCParams {
	return &DMCParams{
		APIURL:            "https://api.dmc.example/api/sessions",
		RecipeID:          "nicovideo-sm9",
		ContentID:         "out1",
		VideoSrcIDs:       []string{"archive_h264_600kbps_360p"},
		AudioSrcIDs:       []string{"archive_aac_64kbps"},
		HeartbeatLifetime: 60000,
		Token:             "{}",
		Signature:         "sig",
		AuthType:          "ht2",
	}
}

func TestVideoID_String(t *testing.T) {
	if got := VideoID("sm9").String(); got != "sm9" {
		t.Errorf("VideoID.String() = %q, want %q", got, "sm9")
	}
}

func TestVideo_Kind(t *testing.T) {
	incomplete := completeDMC()
	incomplete.APIURL = ""

	tests := []struct {
		name  string
		video *Video
		want  Kind
	}{
		{"complete dmc", &Video{DMC: completeDMC()}, KindDMC},
		{"dmc wins over smile", &Video{DMC: completeDMC(), SmileURL: "http://smile/v"}, KindDMC},
		{"incomplete dmc falls back to smile", &Video{DMC: incomplete, SmileURL: "http://smile/v"}, KindSmile},
		{"smile only", &Video{SmileURL: "http://smile/v"}, KindSmile},
		{"incomplete dmc without smile", &Video{DMC: incomplete}, KindUnsupported},
		{"nothing", &Video{}, KindUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.video.Kind(); got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVideo_SetFileSizeOnce(t *testing.T) {
	v := &Video{ID: "sm9"}

	if _, ok := v.FileSize(); ok {
		t.Fatal("size should be unknown before probe")
	}
	if err := v.SetFileSize(1000); err != nil {
		t.Fatalf("SetFileSize() error = %v", err)
	}
	if err := v.SetFileSize(2000); !errors.Is(err, ErrFileSizeAlreadySet) {
		t.Errorf("second SetFileSize() error = %v, want ErrFileSizeAlreadySet", err)
	}
	size, ok := v.FileSize()
	if !ok || size != 1000 {
		t.Errorf("FileSize() = %d, %v; want 1000, true", size, ok)
	}
}

func TestVideo_SetFileSizeNegative(t *testing.T) {
	v := &Video{ID: "sm9"}
	if err := v.SetFileSize(-1); err == nil {
		t.Error("negative size should be rejected")
	}
	if _, ok := v.FileSize(); ok {
		t.Error("rejected size must not be recorded")
	}
}

func TestVideo_Path(t *testing.T) {
	dir := t.TempDir()

	v := &Video{ID: "sm9", FileName: "title", MovieType: "mp4"}
	if got, want := v.Path(dir), filepath.Join(dir, "sm9_title.mp4"); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}

	v = &Video{ID: "sm9", Title: "a/b", MovieType: "flv"}
	if got, want := v.Path(dir), filepath.Join(dir, "sm9_a／b.flv"); got != want {
		t.Errorf("Path() without file name = %q, want %q", got, want)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain title", "plain title"},
		{`a\/b`, "a／b"},
		{"what?", "what？"},
		{`<"x">`, "＜”x”＞"},
		{"a:b|c*d~e", "a：b｜c＊d～e"},
		{`back\slash`, "back＼slash"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SanitizeFilename(tt.in); got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Error Tests
// =============================================================================

func TestVideoError(t *testing.T) {
	err := NewVideoError("sm9", OpDownload, fmt.Errorf("chunk 2: %w", ErrTransfer))

	if got, want := err.Error(), "download [sm9]: chunk 2: chunk transfer incomplete"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrTransfer) {
		t.Error("VideoError should unwrap to ErrTransfer")
	}
	if got := StageOf(fmt.Errorf("wrapped: %w", err)); got != OpDownload {
		t.Errorf("StageOf() = %q, want %q", got, OpDownload)
	}
	if got := StageOf(errors.New("plain")); got != "" {
		t.Errorf("StageOf(plain) = %q, want empty", got)
	}
}

func TestVideoError_NoID(t *testing.T) {
	err := NewVideoError("", OpProbe, ErrProbe)
	if got, want := err.Error(), "probe: file size probe failed"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
