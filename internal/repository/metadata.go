package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/iconidentify/nicograb/internal/domain"
)

// MetadataSource supplies populated video records before a batch starts.
type MetadataSource interface {
	// Load returns the records for ids. An empty ids loads every record.
	Load(ctx context.Context, ids []domain.VideoID) (map[domain.VideoID]*domain.Video, error)
}

// FileMetadataSource reads video records from a JSON or YAML file. The file
// holds either a list of records or a map keyed by video id; YAML is chosen
// by a .yaml or .yml extension.
type FileMetadataSource struct {
	path string
}

// NewFileMetadataSource creates a source backed by path.
func NewFileMetadataSource(path string) *FileMetadataSource {
	return &FileMetadataSource{path: path}
}

// Load implements MetadataSource.
func (s *FileMetadataSource) Load(ctx context.Context, ids []domain.VideoID) (map[domain.VideoID]*domain.Video, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read metadata file: %w", err)
	}

	records, err := decodeRecords(data, isYAML(s.path))
	if err != nil {
		return nil, fmt.Errorf("parse metadata file %s: %w", s.path, err)
	}

	all := make(map[domain.VideoID]*domain.Video, len(records))
	for _, v := range records {
		if v == nil || v.ID == "" {
			return nil, fmt.Errorf("metadata file %s: record without video_id", s.path)
		}
		if _, dup := all[v.ID]; dup {
			return nil, fmt.Errorf("metadata file %s: duplicate video_id %s", s.path, v.ID)
		}
		all[v.ID] = v
	}

	if len(ids) == 0 {
		return all, nil
	}

	selected := make(map[domain.VideoID]*domain.Video, len(ids))
	for _, id := range ids {
		v, ok := all[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrVideoNotFound, id)
		}
		selected[id] = v
	}
	return selected, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decodeRecords(data []byte, asYAML bool) ([]*domain.Video, error) {
	if asYAML {
		var list []*domain.Video
		if err := yaml.Unmarshal(data, &list); err == nil {
			return list, nil
		}
		var byID map[string]*domain.Video
		if err := yaml.Unmarshal(data, &byID); err != nil {
			return nil, err
		}
		return keyed(byID), nil
	}

	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		var list []*domain.Video
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var byID map[string]*domain.Video
	if err := json.Unmarshal(trimmed, &byID); err != nil {
		return nil, err
	}
	return keyed(byID), nil
}

// keyed fills missing record ids from their map keys.
func keyed(byID map[string]*domain.Video) []*domain.Video {
	list := make([]*domain.Video, 0, len(byID))
	for id, v := range byID {
		if v == nil {
			continue
		}
		if v.ID == "" {
			v.ID = domain.VideoID(id)
		}
		list = append(list, v)
	}
	return list
}
