package main

import "github.com/flowforge/yafgo/pkg/flowtable"

// scanner is the subset of flowtable.Labeler's Scan method a single
// application-label source implements.
type scanner interface {
	Scan(payload []byte, flow *flowtable.Flow, val *flowtable.FlowValue) uint16
}

// processor is the subset of flowtable.Labeler's Process method a single
// application-label source implements.
type processor interface {
	Process(flow *flowtable.Flow, payload []byte) flowtable.LabelContext
}

// source pairs a Scan and Process implementation coming from the same
// application-label plugin.
type source interface {
	scanner
	processor
}

// chainLabeler tries each of its sources in order, stopping at the first
// one that recognizes the flow. It lets yafcore run multiple independent
// application-label plugins (port-based, SNI-based, ...) behind the single
// flowtable.Labeler flowtable.New accepts.
type chainLabeler struct {
	sources []source
	matched source
}

// newChainLabeler returns a chainLabeler trying srcs in order.
func newChainLabeler(srcs ...source) *chainLabeler {
	return &chainLabeler{sources: srcs}
}

// Scan implements flowtable.Labeler, trying each source in order and
// remembering which one matched so Process dispatches to it.
func (c *chainLabeler) Scan(payload []byte, flow *flowtable.Flow, val *flowtable.FlowValue) uint16 {
	for _, s := range c.sources {
		if label := s.Scan(payload, flow, val); label != 0 {
			c.matched = s
			return label
		}
	}
	return 0
}

// Process implements flowtable.Labeler, dispatching to whichever source's
// Scan matched last.
func (c *chainLabeler) Process(flow *flowtable.Flow, payload []byte) flowtable.LabelContext {
	if c.matched == nil {
		return nil
	}
	return c.matched.Process(flow, payload)
}
