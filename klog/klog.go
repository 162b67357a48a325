// Package klog is the logging sink the core consumes per spec.md §6.
// It wraps go.uber.org/zap behind a narrow interface so that the fault
// handler, region managers and safety layer depend on an observer
// callback (per the design note in §9 about ambient logging), never on
// zap directly.
package klog

import (
	"go.uber.org/zap"
)

// Sink is the leveled logging interface consumed by every subsystem.
type Sink interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type zapSink struct {
	l *zap.SugaredLogger
}

// NewZap builds a production-configured Sink backed by zap.
func NewZap() (Sink, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &zapSink{l: l.Sugar()}, nil
}

// NewZapFrom adapts an already-constructed zap logger.
func NewZapFrom(l *zap.Logger) Sink {
	return &zapSink{l: l.Sugar()}
}

func (z *zapSink) Debugf(format string, args ...interface{}) { z.l.Debugf(format, args...) }
func (z *zapSink) Infof(format string, args ...interface{})  { z.l.Infof(format, args...) }
func (z *zapSink) Warnf(format string, args ...interface{})  { z.l.Warnf(format, args...) }
func (z *zapSink) Errorf(format string, args ...interface{}) { z.l.Errorf(format, args...) }

// Discard is a Sink that drops every message; used by tests and by
// callers that have not configured logging.
type discard struct{}

func (discard) Debugf(string, ...interface{}) {}
func (discard) Infof(string, ...interface{})  {}
func (discard) Warnf(string, ...interface{})  {}
func (discard) Errorf(string, ...interface{}) {}

// Discard returns a Sink that drops everything written to it.
func Discard() Sink { return discard{} }
