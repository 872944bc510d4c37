// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "sync/atomic"

// Processor is one stage of a stream pipeline. Returning nil short-circuits
// the pipeline for that message.
type Processor func(msg *Message) *Message

// Stream pipes messages from a source topic through an ordered processor
// chain and, when a sink is configured, publishes what survives.
type Stream struct {
	Name       string
	Source     string
	Sink       string
	processors []Processor
	consumer   *Consumer

	processed atomic.Uint64
	dropped   atomic.Uint64
	emitted   atomic.Uint64
}

// StreamStats is a point-in-time snapshot of stream counters.
type StreamStats struct {
	Name      string `json:"name"`
	Source    string `json:"source"`
	Sink      string `json:"sink,omitempty"`
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
	Emitted   uint64 `json:"emitted"`
}

// Stats returns the stream counters.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Name:      s.Name,
		Source:    s.Source,
		Sink:      s.Sink,
		Processed: s.processed.Load(),
		Dropped:   s.dropped.Load(),
		Emitted:   s.emitted.Load(),
	}
}

// process runs a message through the pipeline. It returns the surviving
// message, or nil if a processor dropped it.
func (s *Stream) process(msg *Message) *Message {
	s.processed.Add(1)

	out := msg
	for _, p := range s.processors {
		out = p(out)
		if out == nil {
			s.dropped.Add(1)
			return nil
		}
	}
	return out
}
