package core

import (
	"fmt"
	"log/slog"
	"sync"
)

// ParserRegistry holds the parsers known to a Service, in detection order.
// The first registered parser whose Detect accepts a file wins.
type ParserRegistry struct {
	mu      sync.RWMutex
	parsers []Parser
}

// NewParserRegistry returns a registry with the given parsers registered in order.
func NewParserRegistry(parsers ...Parser) *ParserRegistry {
	r := &ParserRegistry{}
	for _, p := range parsers {
		r.Register(p)
	}
	return r
}

// DefaultRegistry returns the standard parser set: the Elitech legacy route
// first so it shadows the generic xls parser, then xls, xlsx and csv.
func DefaultRegistry() *ParserRegistry {
	return NewParserRegistry(
		NewElitechLegacyParser(),
		NewXLSParser(),
		NewXLSXParser(),
		NewCSVParser(),
	)
}

// Register appends a parser. Panics if a parser with the same name is
// already registered.
func (r *ParserRegistry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.parsers {
		if existing.Name() == p.Name() {
			panic(fmt.Sprintf("parser already registered: %s", p.Name()))
		}
	}
	r.parsers = append(r.parsers, p)
}

// Find returns the first parser that accepts the file.
func (r *ParserRegistry) Find(meta FileMeta, sample []byte) (Parser, bool) {
	r.mu.RLock()
	parsers := append([]Parser(nil), r.parsers...)
	r.mu.RUnlock()

	for _, p := range parsers {
		if safeDetect(p, meta, sample) {
			return p, true
		}
	}
	return nil, false
}

// Get returns a parser by name.
func (r *ParserRegistry) Get(name string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.parsers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Names lists registered parser names in detection order.
func (r *ParserRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.parsers))
	for i, p := range r.parsers {
		names[i] = p.Name()
	}
	return names
}

// safeDetect treats a panicking Detect as a rejection.
func safeDetect(p Parser, meta FileMeta, sample []byte) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("parser detect panicked",
				"parser", p.Name(),
				"file", meta.FileName,
				"panic", rec,
			)
			ok = false
		}
	}()
	return p.Detect(meta, sample)
}
