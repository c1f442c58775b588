package bklog

import (
	"context"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

func init() {
	log.G = GetLogger
}

// L is the global logger entry used when no context is available.
var L = logrus.NewEntry(logrus.StandardLogger())

// G returns the logger for the given context.
var G = GetLogger

// GetLogger returns the logger for the given context, annotated with the
// current trace and span IDs when a span is attached.
func GetLogger(ctx context.Context) *logrus.Entry {
	l := log.GetLogger(ctx)

	spanContext := trace.SpanFromContext(ctx).SpanContext()

	if spanContext.IsValid() {
		return l.WithFields(logrus.Fields{
			"traceID": spanContext.TraceID(),
			"spanID":  spanContext.SpanID(),
		})
	}

	return l
}
