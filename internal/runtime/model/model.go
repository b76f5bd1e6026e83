// Package model describes the services exposed over wsflow: their events,
// operations and annotations. It is the boundary to the host application's
// service model and holds no runtime state.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// Element is a field of an event or a parameter of an operation.
type Element struct {
	Name        string
	Annotations Annotations
}

// Event is an outbound event a service can broadcast.
type Event struct {
	Name        string
	Elements    []Element
	Annotations Annotations
}

// Operation is an inbound action clients can invoke.
type Operation struct {
	Name        string
	Params      []Element
	Annotations Annotations
}

// Service is a websocket-enabled service definition.
type Service struct {
	// Name identifies the service in logs, metrics and fan-out metadata.
	Name string
	// Path is the service path relative to the server's base path, for example "/chat".
	Path string
	// Format names the default wire format of the service. Empty selects the
	// binding default.
	Format string
	// Roles lists roles a principal must hold (any of) to connect. Empty
	// admits every authenticated principal.
	Roles []string

	Events      []Event
	Operations  []Operation
	Annotations Annotations
}

// Event returns the event definition with the given name.
func (s *Service) Event(name string) (*Event, bool) {
	for i := range s.Events {
		if s.Events[i].Name == name {
			return &s.Events[i], true
		}
	}
	return nil, false
}

// Operation returns the operation definition with the given name.
func (s *Service) Operation(name string) (*Operation, bool) {
	for i := range s.Operations {
		if s.Operations[i].Name == name {
			return &s.Operations[i], true
		}
	}
	return nil, false
}

// NormalizedPath returns Path with a single leading slash and no trailing one.
func (s *Service) NormalizedPath() string {
	return NormalizePath(s.Path)
}

// NormalizePath returns p with a single leading slash and no trailing one.
// The root path normalizes to "/".
func NormalizePath(p string) string {
	return "/" + strings.Trim(p, "/")
}

// Validate checks the definition for missing names and duplicates.
func (s *Service) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if strings.Trim(s.Path, "/") == "" {
		errs = append(errs, fmt.Errorf("service %q: path is required", s.Name))
	}
	seen := map[string]bool{}
	for _, e := range s.Events {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("service %q: event name is required", s.Name))
			continue
		}
		if seen["event:"+e.Name] {
			errs = append(errs, fmt.Errorf("service %q: duplicate event %q", s.Name, e.Name))
		}
		seen["event:"+e.Name] = true
	}
	for _, op := range s.Operations {
		if op.Name == "" {
			errs = append(errs, fmt.Errorf("service %q: operation name is required", s.Name))
			continue
		}
		if seen["op:"+op.Name] {
			errs = append(errs, fmt.Errorf("service %q: duplicate operation %q", s.Name, op.Name))
		}
		seen["op:"+op.Name] = true
	}
	return errors.Join(errs...)
}
