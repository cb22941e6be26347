package palisade

import (
	"context"
	"log/slog"

	"github.com/palisade-social/palisade/moderation"
)

// LogPusher is the default event pusher: it records the side effect in the
// logs and nothing else. Deployments wire a real pusher that forwards to
// their PDS and label distribution services.
type LogPusher struct {
	Logger *slog.Logger
}

func (p *LogPusher) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *LogPusher) PushTakedown(ctx context.Context, sub moderation.Subject, ref string) error {
	p.logger().Info("takedown push", "subject", sub.Did(), "ref", ref)
	return nil
}

func (p *LogPusher) PushReverseTakedown(ctx context.Context, sub moderation.Subject) error {
	p.logger().Info("reverse takedown push", "subject", sub.Did())
	return nil
}

func (p *LogPusher) PushLabels(ctx context.Context, uri string, cid *string, create, negate []string) error {
	p.logger().Info("label push", "uri", uri, "create", create, "negate", negate)
	return nil
}

// StaticReasonSource advertises a fixed reason type allow-list from config.
// An empty list means no restriction.
type StaticReasonSource struct {
	Types []string
}

func (s *StaticReasonSource) ListReasonTypes(ctx context.Context) ([]string, error) {
	return s.Types, nil
}
