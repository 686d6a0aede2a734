package config

import (
	"fmt"
	"os"

	"github.com/ernie/lobbybot/internal/domain"
	"gopkg.in/yaml.v3"
)

// LoadCatalog reads a YAML list of beatmaps. Every entry needs an id and a
// positive difficulty.
func LoadCatalog(path string) ([]domain.Beatmap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading map catalog: %w", err)
	}

	var maps []domain.Beatmap
	if err := yaml.Unmarshal(data, &maps); err != nil {
		return nil, fmt.Errorf("parsing map catalog: %w", err)
	}

	seen := make(map[int64]bool, len(maps))
	for i, m := range maps {
		switch {
		case m.ID <= 0:
			return nil, fmt.Errorf("map catalog entry %d: missing id", i)
		case m.Difficulty <= 0:
			return nil, fmt.Errorf("map catalog entry %d (id %d): difficulty must be positive", i, m.ID)
		case seen[m.ID]:
			return nil, fmt.Errorf("map catalog entry %d: duplicate id %d", i, m.ID)
		}
		seen[m.ID] = true
	}
	return maps, nil
}
