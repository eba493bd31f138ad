package database

import (
	"fmt"

	"shellac/config"

	"github.com/valkey-io/valkey-go"
)

type CacheClient = valkey.Client

type Cache struct {
	Events CacheClient
}

// Progress events ride on their own valkey database index so dashboard
// subscribers never collide with anything else sharing the instance.
const EVENTS_CACHE_INDEX = 3

// initializeEventsCache connects the events cache when configured. The cache
// is optional: without an address the event bus stays nil and progress
// broadcasting is a no-op.
func (s *DB) initializeEventsCache(config config.Config) error {
	log := s.log.Function("initializeEventsCache")

	address := config.EventsCacheAddress
	port := config.EventsCachePort
	if address == "" || port == 0 {
		log.Info("Events cache not configured, progress broadcasting disabled")
		return nil
	}

	client, err := valkey.NewClient(
		valkey.ClientOption{
			InitAddress: []string{fmt.Sprintf("%s:%d", address, port)},
			SelectDB:    EVENTS_CACHE_INDEX,
		},
	)
	if err != nil {
		return log.Err("failed to create events valkey client", err)
	}

	s.Cache.Events = client
	log.Info("Connected events cache", "address", address, "port", port)

	return nil
}
