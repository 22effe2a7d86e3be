package reader

import (
	"regexp"
	"strings"
)

// PredicateField selects which part of a record a Predicate matches
// against.
type PredicateField int

const (
	FieldStreamID PredicateField = iota
	FieldEventType
)

// PredicateMode selects how Pattern is matched.
type PredicateMode int

const (
	ModePrefix PredicateMode = iota
	ModeSuffix
	ModeRegex
)

// Predicate is one term of a Filter's disjunction.
type Predicate struct {
	Field   PredicateField
	Mode    PredicateMode
	Pattern string

	compiled *regexp.Regexp
}

// compile prepares p for repeated evaluation, compiling its regular
// expression once if Mode is ModeRegex.
func (p *Predicate) compile() error {
	if p.Mode != ModeRegex || p.compiled != nil {
		return nil
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return err
	}
	p.compiled = re
	return nil
}

func (p *Predicate) matches(streamID, eventType string) bool {
	var subject string
	switch p.Field {
	case FieldStreamID:
		subject = streamID
	case FieldEventType:
		subject = eventType
	}
	switch p.Mode {
	case ModePrefix:
		return strings.HasPrefix(subject, p.Pattern)
	case ModeSuffix:
		return strings.HasSuffix(subject, p.Pattern)
	case ModeRegex:
		if p.compiled == nil {
			return false
		}
		return p.compiled.MatchString(subject)
	default:
		return false
	}
}

// Filter is a disjunction of predicates over stream-id and event-type,
// evaluated short-circuit: a record matches if any predicate matches, or
// if the filter has no predicates at all (an unfiltered subscription).
type Filter struct {
	Predicates []Predicate
}

// NewFilter compiles every regex predicate up front, once, so dynamic
// filters do not recompile on every examined record.
func NewFilter(predicates ...Predicate) (*Filter, error) {
	f := &Filter{Predicates: predicates}
	for i := range f.Predicates {
		if err := f.Predicates[i].compile(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Match reports whether the record identified by streamID/eventType
// passes the filter.
func (f *Filter) Match(streamID, eventType string) bool {
	if f == nil || len(f.Predicates) == 0 {
		return true
	}
	for i := range f.Predicates {
		if f.Predicates[i].matches(streamID, eventType) {
			return true
		}
	}
	return false
}
