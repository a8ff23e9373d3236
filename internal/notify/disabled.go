package notify

import (
	"context"

	"go.uber.org/zap"
)

// Disabled is used when Telegram is not configured. It only logs.
type Disabled struct {
	log *zap.Logger
	// reveal logs message bodies, which contain login codes. Only for local
	// development.
	reveal bool
}

func NewDisabled(log *zap.Logger, reveal bool) *Disabled {
	return &Disabled{log: log, reveal: reveal}
}

func (d *Disabled) Send(_ context.Context, message string) error {
	if d.reveal {
		d.log.Warn("telegram not configured, message printed instead", zap.String("message", message))
		return nil
	}
	d.log.Warn("telegram not configured, message dropped")
	return nil
}

func (d *Disabled) SendBackup(_ context.Context, filename string, content []byte) error {
	d.log.Warn("telegram not configured, backup dropped",
		zap.String("file", filename),
		zap.Int("bytes", len(content)),
	)
	return nil
}
