package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/edgewire/appfn/config"
	"github.com/edgewire/appfn/errkind"
	"github.com/edgewire/appfn/store"
	"github.com/edgewire/appfn/store/redis"
	"github.com/edgewire/appfn/store/sqlite"
)

const defaultStoreTimeout = 5 * time.Second

// newStoreClient opens the store-and-forward backend the Database
// section selects. For sqlite, Host is the database file path.
func newStoreClient(cfg config.DatabaseConfig) (store.Client, error) {
	switch strings.ToLower(cfg.Type) {
	case config.DatabaseTypeSQLite, "":
		if cfg.Host == "" {
			return nil, errkind.New(errkind.KindContractInvalid, "sqlite database path is not configured")
		}
		return sqlite.NewClient(cfg.Host)

	case config.DatabaseTypeRedis:
		timeout := defaultStoreTimeout
		if cfg.Timeout != "" {
			d, err := time.ParseDuration(cfg.Timeout)
			if err != nil {
				return nil, errkind.Wrap(errkind.KindContractInvalid, "invalid database timeout", err)
			}
			timeout = d
		}
		return redis.NewClient(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), timeout)

	default:
		return nil, errkind.Newf(errkind.KindContractInvalid, "unknown database type %q", cfg.Type)
	}
}
