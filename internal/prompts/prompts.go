// Package prompts loads the ordered prompt list for a run.
package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	clierr "github.com/ggonzalez94/inference-cli/internal/errors"
)

// Load reads a JSON array (default) or a YAML list (.yaml, .yml) of prompt
// strings. Every entry is kept as is, including duplicates and blank
// strings, so the unit count always matches the file. An empty list is a
// config error.
func Load(path string) ([]string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, clierr.Wrap(clierr.CodeConfig, fmt.Sprintf("prompt file %s not found", path), err)
		}
		return nil, clierr.Wrap(clierr.CodeConfig, fmt.Sprintf("read prompt file %s", path), err)
	}

	var list []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(buf, &list)
	default:
		err = json.Unmarshal(buf, &list)
	}
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeConfig, fmt.Sprintf("prompt file %s must hold a list of strings", path), err)
	}

	if len(list) == 0 {
		return nil, clierr.New(clierr.CodeConfig, fmt.Sprintf("prompt file %s has no prompts", path))
	}
	return list, nil
}
