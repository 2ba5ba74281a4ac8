// Package fake provides utilities for generating random zones and presence for testing and development purposes.
package fake

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/woozymasta/zorp/internal/config"
	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/names"
	"github.com/woozymasta/zorp/internal/presence"
	"github.com/woozymasta/zorp/internal/storage"
)

// GenerateData populates the storage with a specified number of randomized zones
// and a presence history for their owners on the given servers.
func GenerateData(ctx context.Context, store *storage.Repository, servers []config.GameServer, count int) int {
	if len(servers) == 0 {
		servers = []config.GameServer{{ID: "main"}}
	}

	first := []string{"Alice", "Bob", "Carol", "Dave", "Eve", "Frank", "Grace", "Heidi", "Ivan", "Judy"}
	tags := []string{"", " [RU]", " | TTV", "_xX", " 2"}
	kinds := []string{"Base", "Compound", "Farm", "Tower", "Bunker"}
	delays := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

	tracker := presence.NewTracker(store, nil)
	now := time.Now().UTC()

	var created int
	for i := 0; i < count; i++ {
		srv := servers[rand.Intn(len(servers))]
		owner := first[rand.Intn(len(first))] + tags[rand.Intn(len(tags))]

		// Random date-time in 30 days range
		createdAt := now.Add(-time.Duration(rand.Intn(30*24*60)) * time.Minute)

		z := models.Zone{
			Name:      fmt.Sprintf("%s_%s_%d", names.Normalize(owner), kinds[rand.Intn(len(kinds))], i),
			Owner:     owner,
			OwnerKey:  names.Normalize(owner),
			ServerID:  srv.ID,
			Position:  models.Position{X: rand.Float64()*4000 - 2000, Y: rand.Float64() * 50, Z: rand.Float64()*4000 - 2000},
			Size:      float64(20 + rand.Intn(80)),
			Colors:    models.Colors{Online: "0,255,0", Yellow: "255,255,0", Offline: "255,0,0"},
			Delay:     delays[rand.Intn(len(delays))],
			Expire:    720 * time.Hour,
			Radiation: rand.Float32() < 0.1,
			MinTeam:   1,
			MaxTeam:   1 + rand.Intn(8),
			State:     models.StateSync{Desired: models.StateGreen, DesiredChangedAt: createdAt},
			CreatedAt: createdAt,
			UpdatedAt: createdAt,
		}

		if err := store.CreateZone(ctx, z, "fake"); err != nil {
			log.Warn().Err(err).Str("zone", z.Name).Msg("Failed to generate fake zone")
			continue
		}
		created++

		// a few connect/disconnect cycles after the zone appeared
		at := createdAt
		for j := rand.Intn(4); j >= 0; j-- {
			at = at.Add(time.Duration(1+rand.Intn(600)) * time.Minute)
			if at.After(now) {
				break
			}
			online := j%2 == 0
			_, err := tracker.Record(ctx, models.PresenceEvent{
				ServerID: srv.ID, Player: owner, Online: online, ObservedAt: at, Source: models.SourceAPI,
			})
			if err != nil {
				log.Warn().Err(err).Str("player", owner).Msg("Failed to generate fake presence")
			}
		}
	}

	log.Info().Int("zones", created).Msg("Fake data generated")

	return created
}
