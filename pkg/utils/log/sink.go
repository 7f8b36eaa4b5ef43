// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package log

import (
	"sync"

	"github.com/go-logr/logr"
)

// sinkHolder holds the process-wide backing sink behind a lock so that it can
// be swapped after loggers derived from Log have already been handed out.
type sinkHolder struct {
	mu   sync.RWMutex
	sink logr.LogSink
}

func (h *sinkHolder) get() logr.LogSink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sink
}

func (h *sinkHolder) set(sink logr.LogSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

// delegatingSink is a logr.LogSink that resolves the backing sink on every
// call. Names and values accumulated through WithName/WithValues are replayed
// onto whichever sink is installed at call time.
type delegatingSink struct {
	holder *sinkHolder
	names  []string
	values []interface{}
}

var _ logr.LogSink = &delegatingSink{}

func newDelegatingSink(initial logr.LogSink) *delegatingSink {
	return &delegatingSink{holder: &sinkHolder{sink: initial}}
}

// replace installs sink as the new backing sink for this sink and all loggers
// derived from it.
func (d *delegatingSink) replace(sink logr.LogSink) {
	d.holder.set(sink)
}

func (d *delegatingSink) resolve() logr.LogSink {
	sink := d.holder.get()
	for _, name := range d.names {
		sink = sink.WithName(name)
	}
	if len(d.values) > 0 {
		sink = sink.WithValues(d.values...)
	}
	if depthSink, ok := sink.(logr.CallDepthLogSink); ok {
		// account for the extra delegation frame
		sink = depthSink.WithCallDepth(1)
	}
	return sink
}

func (d *delegatingSink) Init(logr.RuntimeInfo) {}

func (d *delegatingSink) Enabled(level int) bool {
	return d.holder.get().Enabled(level)
}

func (d *delegatingSink) Info(level int, msg string, keysAndValues ...interface{}) {
	d.resolve().Info(level, msg, keysAndValues...)
}

func (d *delegatingSink) Error(err error, msg string, keysAndValues ...interface{}) {
	d.resolve().Error(err, msg, keysAndValues...)
}

func (d *delegatingSink) WithName(name string) logr.LogSink {
	names := make([]string, 0, len(d.names)+1)
	names = append(names, d.names...)
	return &delegatingSink{
		holder: d.holder,
		names:  append(names, name),
		values: d.values,
	}
}

func (d *delegatingSink) WithValues(keysAndValues ...interface{}) logr.LogSink {
	values := make([]interface{}, 0, len(d.values)+len(keysAndValues))
	values = append(values, d.values...)
	return &delegatingSink{
		holder: d.holder,
		names:  d.names,
		values: append(values, keysAndValues...),
	}
}
