package memstress

import (
	"os"

	"github.com/BurntSushi/toml"
)

// DaemonConfig is the TOML file handed to the target daemon.
type DaemonConfig struct {
	Server   ServerSection   `toml:"server"`
	Storage  StorageSection  `toml:"storage"`
	Watch    WatchSection    `toml:"watch"`
	Search   SearchSection   `toml:"search"`
	Chunking ChunkingSection `toml:"chunking"`
}

type ServerSection struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type StorageSection struct {
	DBPath    string `toml:"db_path"`
	ModelPath string `toml:"model_path"`
}

type WatchSection struct {
	Paths      []string `toml:"paths"`
	DebounceMS int      `toml:"debounce_ms"`
}

type SearchSection struct {
	EnableCache bool `toml:"enable_cache"`
}

type ChunkingSection struct {
	MaxChunkSize int `toml:"max_chunk_size"`
}

// NewDaemonConfig watches dataDir and keeps its database at dbPath.
func NewDaemonConfig(dataDir, dbPath string, port int) DaemonConfig {
	return DaemonConfig{
		Server:   ServerSection{Host: "127.0.0.1", Port: port},
		Storage:  StorageSection{DBPath: dbPath, ModelPath: "models"},
		Watch:    WatchSection{Paths: []string{dataDir}, DebounceMS: 200},
		Search:   SearchSection{EnableCache: true},
		Chunking: ChunkingSection{MaxChunkSize: 512},
	}
}

// WriteFile encodes the config as TOML.
func (c DaemonConfig) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
