package domain

import (
	"fmt"
	"path/filepath"
	"sync"
)

// VideoID is the platform identifier of a video (e.g. "sm9").
type VideoID string

// String returns the string representation of the VideoID.
func (id VideoID) String() string {
	return string(id)
}

// Kind selects the delivery backend used for a video.
type Kind string

const (
	KindDMC         Kind = "dmc"
	KindSmile       Kind = "smile"
	KindUnsupported Kind = "unsupported"
)

// Video describes one video of a download batch.
//
// Delivery is decided by which source fields are populated: a complete
// DMCParams selects the DMC backend, otherwise a SmileURL selects Smile.
type Video struct {
	ID        VideoID    `json:"video_id" yaml:"video_id"`
	Title     string     `json:"title" yaml:"title"`
	FileName  string     `json:"file_name" yaml:"file_name"`
	MovieType string     `json:"movie_type" yaml:"movie_type"`
	SmileURL  string     `json:"smile_url,omitempty" yaml:"smile_url,omitempty"`
	DMC       *DMCParams `json:"dmc,omitempty" yaml:"dmc,omitempty"`

	mu        sync.Mutex
	fileSize  int64
	sizeKnown bool
}

// DMCParams holds the session-construction fields issued by the platform
// for a DMC-delivered video.
type DMCParams struct {
	APIURL            string   `json:"api_url" yaml:"api_url"`
	RecipeID          string   `json:"recipe_id" yaml:"recipe_id"`
	ContentID         string   `json:"content_id" yaml:"content_id"`
	VideoSrcIDs       []string `json:"video_src_ids" yaml:"video_src_ids"`
	AudioSrcIDs       []string `json:"audio_src_ids" yaml:"audio_src_ids"`
	HeartbeatLifetime int64    `json:"heartbeat_lifetime" yaml:"heartbeat_lifetime"` // milliseconds
	Token             string   `json:"token" yaml:"token"`
	Signature         string   `json:"signature" yaml:"signature"`
	AuthType          string   `json:"auth_type" yaml:"auth_type"`
	ContentKeyTimeout int64    `json:"content_key_timeout" yaml:"content_key_timeout"`
	ServiceUserID     string   `json:"service_user_id" yaml:"service_user_id"`
	PlayerID          string   `json:"player_id" yaml:"player_id"`
	Priority          float64  `json:"priority" yaml:"priority"`
	ReportedSize      int64    `json:"reported_size,omitempty" yaml:"reported_size,omitempty"`
}

// Complete reports whether every field needed to open a session is present.
func (p *DMCParams) Complete() bool {
	if p == nil {
		return false
	}
	return p.APIURL != "" &&
		p.RecipeID != "" &&
		p.ContentID != "" &&
		len(p.VideoSrcIDs) > 0 &&
		len(p.AudioSrcIDs) > 0 &&
		p.HeartbeatLifetime > 0 &&
		p.Token != "" &&
		p.Signature != ""
}

// Kind returns the backend this video is eligible for.
func (v *Video) Kind() Kind {
	switch {
	case v.DMC.Complete():
		return KindDMC
	case v.SmileURL != "":
		return KindSmile
	default:
		return KindUnsupported
	}
}

// SetFileSize records the probed size. It may only be called once.
func (v *Video) SetFileSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.sizeKnown {
		return ErrFileSizeAlreadySet
	}
	if size < 0 {
		return fmt.Errorf("negative file size %d", size)
	}
	v.fileSize = size
	v.sizeKnown = true
	return nil
}

// FileSize returns the probed size and whether it is known yet.
func (v *Video) FileSize() (int64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fileSize, v.sizeKnown
}

// Path returns the final artifact path inside dir.
func (v *Video) Path(dir string) string {
	name := v.FileName
	if name == "" {
		name = SanitizeFilename(v.Title)
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s.%s", v.ID, name, v.MovieType))
}
