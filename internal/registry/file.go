package registry

import (
	"context"
	"fmt"
	"os"

	"github.com/KevinKickass/loomwatch/internal/types"
	"gopkg.in/yaml.v3"
)

// FileSource reads the fleet from a YAML file using the map view's field
// names under a top-level "devices" key.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Records(_ context.Context, _ string) ([]types.DeviceRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device file: %w", err)
	}

	var doc struct {
		Devices []types.DeviceRecord `yaml:"devices"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}

	return doc.Devices, nil
}

func (s *FileSource) Close() {}
