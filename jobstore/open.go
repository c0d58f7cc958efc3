package jobstore

import (
	"fmt"
	"path/filepath"
)

// Driver names accepted by Open.
const (
	DriverSQLite  = "sqlite"
	DriverLevelDB = "leveldb"
	DriverRedis   = "redis"
	DriverMemory  = "memory"
)

// Open selects a job database driver by name. baseDir and name place the
// on-disk drivers, addr points the redis driver at its server. An empty
// driver picks sqlite when a base directory is set and falls back to the
// in-memory store otherwise.
func Open(driver, baseDir, name, addr string) (Store, error) {
	switch driver {
	case "":
		if baseDir == "" {
			return NewMemory(), nil
		}
		return OpenSQLite(filepath.Join(baseDir, name+".db"), true)
	case DriverSQLite:
		return OpenSQLite(filepath.Join(baseDir, name+".db"), true)
	case DriverLevelDB:
		return OpenLevelDB(filepath.Join(baseDir, name+".leveldb"))
	case DriverRedis:
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		return OpenRedis(addr)
	case DriverMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown job database driver %q", driver)
}
