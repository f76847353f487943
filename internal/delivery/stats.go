package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/ongoingai/untrace/internal/configstore"
)

const (
	DefaultWindowDays = 7
	MaxWindowDays     = 90
)

// DestinationStat is the deliveryStats entry for one destination.
type DestinationStat struct {
	DestinationID        string    `json:"destinationId"`
	Name                 string    `json:"name"`
	Kind                 string    `json:"kind"`
	Enabled              bool      `json:"enabled"`
	SuccessfulDeliveries int64     `json:"successfulDeliveries"`
	FailedDeliveries     int64     `json:"failedDeliveries"`
	TotalDeliveries      int64     `json:"totalDeliveries"`
	SuccessRate          float64   `json:"successRate"`
	TotalAttempts        int64     `json:"totalAttempts"`
	AvgLatencyMS         float64   `json:"avgLatencyMs"`
	LastDeliveryAt       time.Time `json:"lastDeliveryAt,omitzero"`
}

// StatsService merges attempt aggregates with the project's destinations so
// every destination appears, zero-filled when it has no attempts.
type StatsService struct {
	store        Store
	destinations configstore.DestinationLister
	now          func() time.Time
}

func NewStatsService(store Store, destinations configstore.DestinationLister) *StatsService {
	return &StatsService{
		store:        store,
		destinations: destinations,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ClampWindowDays maps non-positive values to the default and caps the window.
func ClampWindowDays(days int) int {
	if days <= 0 {
		return DefaultWindowDays
	}
	if days > MaxWindowDays {
		return MaxWindowDays
	}
	return days
}

func (s *StatsService) DeliveryStats(ctx context.Context, orgID, projectID string, windowDays int) ([]DestinationStat, error) {
	windowDays = ClampWindowDays(windowDays)
	to := s.now()
	from := to.Add(-time.Duration(windowDays) * 24 * time.Hour)

	destinations, err := s.destinations.ListDestinations(ctx, orgID, projectID)
	if err != nil {
		return nil, fmt.Errorf("list destinations for stats: %w", err)
	}
	aggregates, err := s.store.AggregateStats(ctx, orgID, projectID, from, to)
	if err != nil {
		return nil, err
	}

	byDestination := make(map[string]Aggregate, len(aggregates))
	for _, aggregate := range aggregates {
		byDestination[aggregate.DestinationID] = aggregate
	}

	stats := make([]DestinationStat, 0, len(destinations))
	for _, destination := range destinations {
		stat := DestinationStat{
			DestinationID: destination.ID,
			Name:          destination.Name,
			Kind:          destination.Kind,
			Enabled:       destination.Enabled,
		}
		if aggregate, ok := byDestination[destination.ID]; ok {
			stat.SuccessfulDeliveries = aggregate.Successful
			stat.FailedDeliveries = aggregate.Failed
			stat.TotalDeliveries = aggregate.Successful + aggregate.Failed
			stat.TotalAttempts = aggregate.TotalAttempts
			stat.AvgLatencyMS = aggregate.AvgLatencyMS
			stat.LastDeliveryAt = aggregate.LastDeliveryAt
		}
		if stat.TotalDeliveries > 0 {
			stat.SuccessRate = float64(stat.SuccessfulDeliveries) / float64(stat.TotalDeliveries)
		}
		stats = append(stats, stat)
	}
	return stats, nil
}
