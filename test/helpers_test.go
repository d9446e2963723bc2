//go:build integration
// +build integration

package test

import (
	"io"
	"testing"
	"time"

	goState "github.com/MrEthical07/goState"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// newSharedEngines builds n engines over one miniredis, one client each,
// the way n processes would share a Redis deployment.
func newSharedEngines(t *testing.T, n int) ([]*goState.Engine, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	engines := make([]*goState.Engine, n)
	for i := range engines {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), DialTimeout: 200 * time.Millisecond})
		t.Cleanup(func() { _ = rdb.Close() })

		logger := logrus.New()
		logger.SetOutput(io.Discard)

		engine, err := goState.New().WithRedis(rdb).WithLogger(logger).Build()
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		t.Cleanup(engine.Close)
		engines[i] = engine
	}
	return engines, mr
}
