package mqtt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/nugget/wright-agent/internal/buildinfo"
)

const identityFile = "instance_id"

// Identity names this Wright instance on the broker. ID is stable across
// restarts and device renames so Home Assistant keeps entity history;
// Name is used in topics and as the display name.
type Identity struct {
	ID   string
	Name string
}

// LoadIdentity reads the instance ID kept in dataDir, creating one on
// first run.
func LoadIdentity(dataDir, name string) (Identity, error) {
	path := filepath.Join(dataDir, identityFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			if _, err := uuid.Parse(id); err != nil {
				return Identity{}, fmt.Errorf("instance id in %s: %w", path, err)
			}
			return Identity{ID: id, Name: name}, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return Identity{}, fmt.Errorf("read instance id: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Identity{}, fmt.Errorf("generate instance id: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return Identity{}, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return Identity{}, fmt.Errorf("persist instance id to %s: %w", path, err)
	}
	return Identity{ID: id.String(), Name: name}, nil
}

// device is the Home Assistant device registry block every entity
// carries.
type device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

func (id Identity) device() device {
	return device{
		Identifiers:  []string{id.ID},
		Name:         id.Name,
		Manufacturer: "Wright",
		Model:        "Wright Code Agent",
		SWVersion:    buildinfo.Current().Version,
	}
}
