// Package engine wires internal/volume, internal/buffer,
// internal/btree, internal/journal, internal/txn, internal/recovery
// and internal/checkpoint into the single Exchange-facing API a caller
// opens by path: begin/commit/rollback, fetch/store/remove/traverse,
// tree lifecycle, checkpoint/copyBackPages/flush, and close.
package engine

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/persistit/persistit/internal/errs"
	"github.com/persistit/persistit/internal/page"
	"github.com/persistit/persistit/internal/txn"
)

// VolumeSpec is one `volume.N` declaration.
type VolumeSpec struct {
	Name          string `yaml:"name"`
	Path          string `yaml:"path"`
	Create        bool   `yaml:"create"`
	PageSize      int    `yaml:"pageSize"`
	InitialSize   int64  `yaml:"initialSize"`
	ExtensionSize int64  `yaml:"extensionSize"`
	MaximumSize   int64  `yaml:"maximumSize"`
}

// Config is the recognized configuration option set, loadable from
// YAML.
type Config struct {
	DataPath string `yaml:"datapath"`
	LogPath  string `yaml:"logpath"`
	LogFile  string `yaml:"logfile"`

	Volumes []VolumeSpec `yaml:"volumes"`

	// BufferCount maps a page size to the frame count of the pool
	// serving it (`buffer.count.P`).
	BufferCount map[int]int `yaml:"bufferCount"`

	JournalPath string `yaml:"journalpath"`
	JournalSize int64  `yaml:"journalsize"`

	CommitPolicy string `yaml:"commitpolicy"` // SOFT / GROUP / HARD
	SplitPolicy  string `yaml:"splitpolicy"`  // LEFT_BIAS / RIGHT_BIAS / NICE_BIAS / PACK_BIAS

	Timeout time.Duration `yaml:"timeout"`

	// MaxKeysPerPage bounds how many keys a page holds before it splits;
	// not part of the enumerated config table, but every tree needs one.
	MaxKeysPerPage int `yaml:"maxKeysPerPage"`

	// CheckpointInterval paces the background checkpoint goroutine; zero
	// disables automatic checkpointing (the caller must call Checkpoint
	// explicitly, as cmd/persistitctl's check subcommand does).
	CheckpointInterval time.Duration `yaml:"checkpointInterval"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistitIO, err, "reading config "+path)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, errs.Wrap(errs.KindInvalidVolumeSpec, err, "parsing config "+path)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.JournalPath == "" {
		c.JournalPath = c.DataPath + "/journal"
	}
	if c.JournalSize <= 0 {
		c.JournalSize = 64 << 20
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxKeysPerPage <= 0 {
		c.MaxKeysPerPage = 64
	}
	if c.BufferCount == nil {
		c.BufferCount = map[int]int{}
	}
	for _, v := range c.Volumes {
		if _, ok := c.BufferCount[v.PageSize]; !ok {
			c.BufferCount[v.PageSize] = 256
		}
	}
}

func (c *Config) commitPolicy() txn.CommitPolicy {
	switch c.CommitPolicy {
	case "GROUP":
		return txn.GroupCommit
	case "HARD":
		return txn.HardCommit
	default:
		return txn.SoftCommit
	}
}

func (c *Config) splitPolicy() page.SplitPolicy {
	switch c.SplitPolicy {
	case "LEFT_BIAS":
		return page.LeftBias
	case "RIGHT_BIAS":
		return page.RightBias
	case "PACK_BIAS":
		return page.PackBias
	default:
		return page.NiceBias
	}
}
