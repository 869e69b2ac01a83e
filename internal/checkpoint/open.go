package checkpoint

import (
	"fmt"
	"path/filepath"
)

// Engine names accepted by [Open].
const (
	EngineSQLite = "sqlite"
	EnginePebble = "pebble"
	EngineMemory = "memory"
)

// Open constructs the named engine. path may be empty, in which case a
// default location under dataDir is used.
func Open(engine, path, dataDir string) (Engine, error) {
	switch engine {
	case EngineSQLite, "":
		if path == "" {
			path = filepath.Join(dataDir, "threads.db")
		}
		return OpenSQLite(path)
	case EnginePebble:
		if path == "" {
			path = filepath.Join(dataDir, "threads.pebble")
		}
		return OpenPebble(path)
	case EngineMemory:
		return NewMemoryEngine(), nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", engine)
	}
}
