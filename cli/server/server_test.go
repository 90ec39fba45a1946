package server

import (
	"context"
	"testing"
	"time"

	"github.com/marigold-dev/gas-station/pkg/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewCommands(t *testing.T) {
	cmds := NewCommands()
	require.Len(t, cmds, 1)
	require.Equal(t, "server", cmds[0].Name)
	require.NotNil(t, cmds[0].Action)

	names := make([]string, 0, len(cmds[0].Flags))
	for _, f := range cmds[0].Flags {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "config-file")
	require.Contains(t, names, "debug, d")
}

func TestInitStation(t *testing.T) {
	log := zaptest.NewLogger(t)
	errChan := make(chan error, 1)

	t.Run("bad storage", func(t *testing.T) {
		cfg := config.Config{
			Application: config.ApplicationConfiguration{
				DB: config.DBConfiguration{Type: "leveldb"},
			},
		}
		_, err := initStation(context.Background(), cfg, log, errChan)
		require.Error(t, err)
	})

	t.Run("no secret key", func(t *testing.T) {
		cfg := config.Config{
			Application: config.ApplicationConfiguration{
				DB: config.DBConfiguration{Type: config.DBInMemory},
			},
		}
		_, err := initStation(context.Background(), cfg, log, errChan)
		require.ErrorContains(t, err, "no secret key")
	})

	t.Run("unreachable node", func(t *testing.T) {
		cfg := config.Config{
			Chain: config.ChainConfiguration{
				RPCEndpoint: "http://127.0.0.1:1",
				// A throwaway key, the flextesa sandbox alice account.
				SecretKey: "edsk3QoqBuvdamxouPhin7swCvkQNgq4jP5KZPbwWNnwdZpSpJiEbq",
			},
			Application: config.ApplicationConfiguration{
				DB: config.DBConfiguration{Type: config.DBInMemory},
			},
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := initStation(ctx, cfg, log, errChan)
		require.Error(t, err)
	})
}
