package ingest

import (
	"context"
	"log/slog"

	"crowdgate/internal/config"
	"crowdgate/internal/events"
	"crowdgate/internal/model"
)

// StartNATS subscribes to the observation subject. The returned subscriber
// is closed when ctx ends.
func StartNATS(ctx context.Context, cfg *config.Manager, out chan<- model.Observation, logger *slog.Logger) (*events.NATSSubscriber, error) {
	current := cfg.Get().Ingest.NATS
	if !current.Enabled {
		if logger != nil {
			logger.Info("nats ingest disabled")
		}
		return nil, nil
	}
	sub, err := events.NewNATSSubscriber(current.URL)
	if err != nil {
		return nil, err
	}
	ch, cancel, err := sub.Subscribe(current.Subject)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("nats ingest enabled", "url", current.URL, "subject", current.Subject)
	}
	go func() {
		defer sub.Close()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-ch:
				if !ok {
					return
				}
				obs, errs, err := ParseObservations(data)
				if err != nil {
					if logger != nil {
						logger.Warn("nats observation decode error", "err", err)
					}
					continue
				}
				for _, e := range errs {
					if logger != nil {
						logger.Warn("nats observation rejected", "err", e)
					}
				}
				for _, o := range obs {
					o.Source = "nats"
					SendNonBlocking(ctx, out, o, logger)
				}
			}
		}
	}()
	return sub, nil
}
