package main

import (
	"hash/fnv"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	"github.com/smallbiznis/metergate/internal/migration"
	"github.com/smallbiznis/metergate/internal/observability"
	"github.com/smallbiznis/metergate/internal/server"
	"github.com/smallbiznis/metergate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
	)
	app.Run()
}

// RegisterSnowflake derives a stable node ID from the hostname so
// replicas generate disjoint IDs.
func RegisterSnowflake() (*snowflake.Node, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "metergate"
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(hostname))
	return snowflake.NewNode(int64(h.Sum32() % 1024))
}
