package github

import (
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
)

// Provide selects the client implementation from configuration. Without a
// token, GitHub automation degrades to no-ops.
func Provide(cfg config.GitHubConfig, log *logger.Logger) Client {
	if cfg.Token == "" {
		return NoopClient{}
	}
	return NewTokenClient(cfg.Token, log)
}
