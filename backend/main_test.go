package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/abdelmounim-dev/duelsync/config"
)

func TestRequireShared(t *testing.T) {
	shared := config.AppConfig{
		Store:       config.StoreConfig{Type: "redis"},
		Matchmaking: config.MatchmakingConfig{Type: "redis"},
		Scheduler:   config.SchedulerConfig{Type: "redis"},
	}
	assert.NoError(t, requireShared(&shared))

	local := shared
	local.Scheduler.Type = "Memory"
	assert.ErrorContains(t, requireShared(&local), "scheduler")
}
