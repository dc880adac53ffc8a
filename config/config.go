/*
Package config holds the client settings the connection layer is built from.
A connection takes a Snapshot at construction time; changing the ambient
configuration afterwards never reconfigures an open connection.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/hfeeki/pubnub-api/filelock"
	"gopkg.in/yaml.v3"
)

// Snapshot is the frozen view of the client configuration a connection is
// constructed from.
type Snapshot struct {
	// Origin is the remote host all traffic is sent to
	Origin string `yaml:"origin"`

	// SecureConnection requests TLS on connect
	SecureConnection bool `yaml:"secureConnection"`

	// ReduceSecurityOnError permits dropping certificate validation when the
	// origin rejects a strict handshake
	ReduceSecurityOnError bool `yaml:"reduceSecurityOnError"`

	// CleartextFallback permits dropping TLS entirely as a last resort
	CleartextFallback bool `yaml:"cleartextFallback"`

	// AutoReconnect re-establishes a connection that was lost remotely
	AutoReconnect bool `yaml:"autoReconnect"`

	// SharedConnection collapses every named connection onto one process-wide
	// connection, the behavior used on handheld deployments
	SharedConnection bool `yaml:"sharedConnection"`
}

const DefaultOrigin = "pubsub.pubnub.com"

var (
	defaultMu       sync.RWMutex
	defaultSnapshot = Snapshot{
		Origin:           DefaultOrigin,
		SecureConnection: true,
		AutoReconnect:    true,
	}
)

// Default returns the current ambient configuration by value.
func Default() Snapshot {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultSnapshot
}

// SetDefault replaces the ambient configuration. Connections already built
// from an earlier snapshot are unaffected.
func SetDefault(s Snapshot) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultSnapshot = s
}

// YamlConfig persists a Snapshot in a yaml file shared between processes
type YamlConfig struct {
	path     string
	fileLock *filelock.FileLock
}

func NewYamlConfig(path string, fileLock *filelock.FileLock) (*YamlConfig, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create %s: %s", path, err)
	}
	return &YamlConfig{path, fileLock}, nil
}

func (y *YamlConfig) Load() (Snapshot, error) {
	lock, err := y.fileLock.NewLock()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to create lock: %s", err)
	}

	for {
		if acquiredLock, err := lock.TryLock(); err != nil {
			return Snapshot{}, fmt.Errorf("failed to acquire lock: %s", err)
		} else if acquiredLock {
			break
		}
	}

	defer lock.Unlock()

	raw, err := os.ReadFile(y.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	} else if err != nil {
		return Snapshot{}, err
	}

	var s Snapshot
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse %s: %w", y.path, err)
	}

	if s.Origin == "" {
		s.Origin = DefaultOrigin
	}

	return s, nil
}

func (y *YamlConfig) Save(s Snapshot) error {
	lock, err := y.fileLock.NewLock()
	if err != nil {
		return fmt.Errorf("failed to create lock: %s", err)
	}

	for {
		if acquiredLock, err := lock.TryLock(); err != nil {
			return fmt.Errorf("failed to acquire lock: %s", err)
		} else if acquiredLock {
			break
		}
	}

	defer lock.Unlock()

	raw, err := yaml.Marshal(s)
	if err != nil {
		return err
	}

	return os.WriteFile(y.path, raw, 0644)
}
