package emergency

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultGeoKey is the sorted set holding available provider positions.
const DefaultGeoKey = "medibook:providers:available"

// RedisIndex is a LocationIndex backed by Redis GEO commands, shared by
// every server node.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	if key == "" {
		key = DefaultGeoKey
	}
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) SetPresence(ctx context.Context, providerID string, at Point, available bool) error {
	if !available {
		if err := r.client.ZRem(ctx, r.key, providerID).Err(); err != nil {
			return fmt.Errorf("remove provider %s from geo index: %w", providerID, err)
		}
		return nil
	}
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      providerID,
		Longitude: at.Lng,
		Latitude:  at.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("add provider %s to geo index: %w", providerID, err)
	}
	return nil
}

// Nearby runs GEOSEARCH without COUNT so tie-breaking happens on the full
// result set in Rank.
func (r *RedisIndex) Nearby(ctx context.Context, at Point, radiusKm float64) ([]Candidate, error) {
	locs, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  at.Lng,
			Latitude:   at.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}

	out := make([]Candidate, 0, len(locs))
	for _, l := range locs {
		out = append(out, Candidate{ProviderID: l.Name, DistanceKm: l.Dist})
	}
	return out, nil
}
