package config

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
)

// ChainConfiguration describes the Tezos node the relay talks to and the key
// it signs batches with.
type ChainConfiguration struct {
	// RPCEndpoint is the base URL of the Tezos node RPC.
	RPCEndpoint string `yaml:"RPCEndpoint"`
	// SecretKey is the relayer's unencrypted secret key (edsk...). Prefer
	// SecretKeyCmd outside of development.
	SecretKey string `yaml:"SecretKey"`
	// SecretKeyCmd is a command whose stdout yields the secret key, for
	// setups where the key lives in a secret manager.
	SecretKeyCmd string `yaml:"SecretKeyCmd"`
	// SearchDepth is how many recent blocks are scanned when looking up a
	// landed operation. Zero means the default of 10.
	SearchDepth int `yaml:"SearchDepth"`
}

// ResolveSecretKey returns the relayer's secret key material. When
// SecretKeyCmd is set the command runs and its trimmed stdout wins, otherwise
// SecretKey is used as is.
func (c ChainConfiguration) ResolveSecretKey() (string, error) {
	if c.SecretKeyCmd != "" {
		args, err := shellquote.Split(c.SecretKeyCmd)
		if err != nil {
			return "", fmt.Errorf("can't parse SecretKeyCmd: %w", err)
		}
		if len(args) == 0 {
			return "", errors.New("empty SecretKeyCmd")
		}
		out, err := exec.Command(args[0], args[1:]...).Output()
		if err != nil {
			return "", fmt.Errorf("SecretKeyCmd failed: %w", err)
		}
		key := strings.TrimSpace(string(out))
		if key == "" {
			return "", errors.New("SecretKeyCmd produced no key")
		}
		return key, nil
	}
	if c.SecretKey == "" {
		return "", errors.New("no secret key configured")
	}
	return c.SecretKey, nil
}
