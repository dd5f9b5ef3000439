// Package service holds the gateway's domain logic: the device registry,
// event ingestion, the per-device command dispatcher, and the background
// loops that keep terminals busy.
package service

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/essl-labs/attendgate/internal/attend/store"
)

// LogSink fans one log call out to the structured logger and to the
// bounded device-log trail the operator API serves. Store failures are
// reported through the logger only — the sink must never fail a caller.
type LogSink struct {
	logger *zap.Logger
	store  store.LogStore
}

func NewLogSink(logger *zap.Logger, st store.LogStore) *LogSink {
	return &LogSink{logger: logger, store: st}
}

// Append records one entry. deviceID may be empty for gateway-wide events.
func (s *LogSink) Append(ctx context.Context, level zapcore.Level, msg, deviceID string) {
	fields := []zap.Field{}
	if deviceID != "" {
		fields = append(fields, zap.String("device_id", deviceID))
	}
	if ce := s.logger.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}

	if err := s.store.Append(ctx, store.LogEntry{
		Level:    level.String(),
		Message:  msg,
		DeviceID: deviceID,
	}); err != nil {
		s.logger.Error("log store append failed", zap.Error(err))
	}
}

func (s *LogSink) Debug(ctx context.Context, msg, deviceID string) {
	s.Append(ctx, zapcore.DebugLevel, msg, deviceID)
}

func (s *LogSink) Info(ctx context.Context, msg, deviceID string) {
	s.Append(ctx, zapcore.InfoLevel, msg, deviceID)
}

func (s *LogSink) Warn(ctx context.Context, msg, deviceID string) {
	s.Append(ctx, zapcore.WarnLevel, msg, deviceID)
}

func (s *LogSink) Error(ctx context.Context, msg, deviceID string) {
	s.Append(ctx, zapcore.ErrorLevel, msg, deviceID)
}

// Logger exposes the underlying zap logger for call sites that want
// structured fields without an audit-trail entry.
func (s *LogSink) Logger() *zap.Logger { return s.logger }
