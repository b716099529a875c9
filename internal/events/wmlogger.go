// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"github.com/quoratehq/quorate/internal/logging"
)

// wmLogger adapts the zerolog-based application logger to watermill's
// LoggerAdapter so transport internals log through the same pipeline.
type wmLogger struct {
	logger zerolog.Logger
}

// NewWatermillLogger returns a watermill LoggerAdapter backed by the
// application logger.
func NewWatermillLogger() watermill.LoggerAdapter {
	return &wmLogger{logger: logging.Logger().With().Str("component", "watermill").Logger()}
}

func (l *wmLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(l.logger.Error().Err(err), fields).Msg(msg)
}

func (l *wmLogger) Info(msg string, fields watermill.LogFields) {
	l.event(l.logger.Info(), fields).Msg(msg)
}

func (l *wmLogger) Debug(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), fields).Msg(msg)
}

func (l *wmLogger) Trace(msg string, fields watermill.LogFields) {
	l.event(l.logger.Trace(), fields).Msg(msg)
}

func (l *wmLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := l.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &wmLogger{logger: ctx.Logger()}
}

func (l *wmLogger) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}
