//go:build !slack

package main

import (
	"fmt"
	"log/slog"

	"mama-os/internal/domain"
	"mama-os/internal/infra/config"
)

func buildSlackChannel(_ config.ChannelConfig, _ *slog.Logger) (domain.Channel, error) {
	return nil, fmt.Errorf("slack channel requires build with -tags slack")
}
