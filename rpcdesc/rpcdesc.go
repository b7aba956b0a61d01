// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// Package rpcdesc declares a service once — its name and its methods, each
// with an auth requirement and typed input/output — as the single source of
// truth consumed by server dispatch, typed client generation, and
// OpenRPC/OpenAPI emission (see package apigen).
package rpcdesc

import (
	"fmt"
	"reflect"

	"github.com/sage-x-project/sage/auth"
)

// MethodDescriptor is one method's declared shape: its name (unique within a
// service), its auth requirement, and the reflect.Type of its params and
// result values (used by apigen to decode/encode and to emit JSON Schema).
type MethodDescriptor struct {
	Name       string
	Auth       *auth.Requirement
	ParamsType reflect.Type
	ResultType reflect.Type
}

// ServiceDescription is the declarative model of one service: its name and
// its methods. Build it with Builder; it is immutable once built.
type ServiceDescription struct {
	Name    string
	Methods []MethodDescriptor
}

// Method looks up a method by name.
func (d *ServiceDescription) Method(name string) (MethodDescriptor, bool) {
	for _, m := range d.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return MethodDescriptor{}, false
}

// Builder accumulates methods for a service before Build validates and
// freezes them.
type Builder struct {
	name    string
	methods []MethodDescriptor
	seen    map[string]struct{}
	err     error
}

// NewService starts a Builder for a service named name.
func NewService(name string) *Builder {
	return &Builder{name: name, seen: make(map[string]struct{})}
}

// Method declares one method. params and result are zero values of the
// method's params/result types (e.g. `EchoParams{}`, `EchoResult{}`) used
// only to capture their reflect.Type; pass nil for a method with no
// params or no result.
func (b *Builder) Method(name string, requirement *auth.Requirement, params, result interface{}) *Builder {
	if b.err != nil {
		return b
	}
	if _, ok := b.seen[name]; ok {
		b.err = fmt.Errorf("rpcdesc: duplicate method %q", name)
		return b
	}
	b.seen[name] = struct{}{}

	desc := MethodDescriptor{Name: name, Auth: requirement}
	if params != nil {
		desc.ParamsType = reflect.TypeOf(params)
	}
	if result != nil {
		desc.ResultType = reflect.TypeOf(result)
	}
	b.methods = append(b.methods, desc)
	return b
}

// Build validates the accumulated methods and returns the frozen description.
func (b *Builder) Build() (*ServiceDescription, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.name == "" {
		return nil, fmt.Errorf("rpcdesc: service name must not be empty")
	}
	methods := make([]MethodDescriptor, len(b.methods))
	copy(methods, b.methods)
	return &ServiceDescription{Name: b.name, Methods: methods}, nil
}
