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

package apigen

import (
	"reflect"
	"strings"

	"github.com/sage-x-project/sage/auth"
	"github.com/sage-x-project/sage/rpcdesc"
)

// XAuthentication is the custom `x-authentication` extension attached to
// every generated OpenRPC method / OpenAPI operation.
type XAuthentication struct {
	Required    bool       `json:"required"`
	Permissions [][]string `json:"permissions,omitempty"`
}

func authExtension(req *auth.Requirement) XAuthentication {
	if req == nil {
		return XAuthentication{Required: false}
	}
	return XAuthentication{Required: true, Permissions: req.Groups}
}

// Schema is a minimal JSON Schema Draft 7 node, sufficient for the struct,
// slice, map, and primitive types this toolkit's method params/results use.
// Ref, when set, is a `$ref` into the enclosing document's components/schemas
// map and every other field is left zero (per JSON Schema's $ref semantics).
type Schema struct {
	Ref                  string             `json:"$ref,omitempty"`
	Type                 string             `json:"type,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Required             []string           `json:"required,omitempty"`
	AdditionalProperties *Schema            `json:"additionalProperties,omitempty"`
}

// schemaRegistry accumulates one named schema per distinct Go struct type
// encountered while generating a document, so every method's content
// descriptor can reference a shared components/schemas entry by `$ref`
// instead of repeating the schema inline (spec §4.4.3).
type schemaRegistry struct {
	schemas map[string]*Schema
}

func newSchemaRegistry() *schemaRegistry {
	return &schemaRegistry{schemas: make(map[string]*Schema)}
}

// resolve returns the Schema to embed in a content descriptor for t: a `$ref`
// for a named struct type (registering its definition in r.schemas on first
// use), or an inline schema for everything else (primitives, slices, maps,
// and anonymous structs have no stable name to key components/schemas by).
func (r *schemaRegistry) resolve(t reflect.Type) *Schema {
	if t == nil {
		return &Schema{Type: "null"}
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() == reflect.Struct && t.Name() != "" {
		name := t.Name()
		if _, ok := r.schemas[name]; !ok {
			r.schemas[name] = &Schema{Type: "object"} // placeholder, breaks recursive-type cycles
			r.schemas[name] = r.schemaFor(t)
		}
		return &Schema{Ref: "#/components/schemas/" + name}
	}
	return r.schemaFor(t)
}

// schemaFor derives an inline Schema from t by reflection. Unexported fields
// and fields tagged `json:"-"` are skipped; a field without `,omitempty` is
// treated as required. Named struct fields resolve through r so nested types
// also get a components/schemas entry.
func (r *schemaRegistry) schemaFor(t reflect.Type) *Schema {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return &Schema{Type: "string"}
	case reflect.Bool:
		return &Schema{Type: "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Schema{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &Schema{Type: "number"}
	case reflect.Slice, reflect.Array:
		return &Schema{Type: "array", Items: r.resolve(t.Elem())}
	case reflect.Map:
		return &Schema{Type: "object", AdditionalProperties: r.resolve(t.Elem())}
	case reflect.Struct:
		props := make(map[string]*Schema)
		var required []string
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue // unexported
			}
			name, omitempty := jsonFieldName(f)
			if name == "-" {
				continue
			}
			props[name] = r.resolve(f.Type)
			if !omitempty {
				required = append(required, name)
			}
		}
		return &Schema{Type: "object", Properties: props, Required: required}
	default:
		return &Schema{}
	}
}

func jsonFieldName(f reflect.StructField) (name string, omitempty bool) {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name, false
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = f.Name
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitempty = true
		}
	}
	return name, omitempty
}

// OpenRPCMethod is one method entry in an OpenRPC document's methods array.
type OpenRPCMethod struct {
	Name            string                     `json:"name"`
	Params          []OpenRPCContentDescriptor `json:"params"`
	Result          *OpenRPCContentDescriptor  `json:"result,omitempty"`
	XAuthentication XAuthentication            `json:"x-authentication"`
}

// OpenRPCContentDescriptor names and types one params/result value.
type OpenRPCContentDescriptor struct {
	Name   string  `json:"name"`
	Schema *Schema `json:"schema"`
}

// OpenRPCComponents holds the document's reusable schema definitions, keyed
// by Go type name; content descriptors elsewhere in the document reference
// an entry here by `$ref` rather than repeating its schema inline.
type OpenRPCComponents struct {
	Schemas map[string]*Schema `json:"schemas,omitempty"`
}

// OpenRPCDocument is a (deliberately partial, but spec-faithful) OpenRPC
// 1.3.2 document: info, methods, and a components/schemas map referenced by
// the methods' content descriptors.
type OpenRPCDocument struct {
	OpenRPC    string            `json:"openrpc"`
	Info       OpenRPCInfo       `json:"info"`
	Methods    []OpenRPCMethod   `json:"methods"`
	Servers    []OpenRPCServer   `json:"servers,omitempty"`
	Components OpenRPCComponents `json:"components"`
}

// OpenRPCInfo is the document's title/version metadata.
type OpenRPCInfo struct {
	Title   string `json:"title"`
	Version string `json:"version"`
}

// OpenRPCServer names one server this document's methods can be reached at.
type OpenRPCServer struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// GenerateOpenRPC emits an OpenRPC 1.3.2 document for desc. Every declared
// method is annotated with its auth requirement via x-authentication (§4.4).
func GenerateOpenRPC(desc *rpcdesc.ServiceDescription, version string, servers ...OpenRPCServer) *OpenRPCDocument {
	registry := newSchemaRegistry()
	doc := &OpenRPCDocument{
		OpenRPC: "1.3.2",
		Info:    OpenRPCInfo{Title: desc.Name, Version: version},
		Servers: servers,
	}
	for _, m := range desc.Methods {
		entry := OpenRPCMethod{
			Name:            m.Name,
			XAuthentication: authExtension(m.Auth),
		}
		if m.ParamsType != nil {
			entry.Params = []OpenRPCContentDescriptor{{Name: "params", Schema: registry.resolve(m.ParamsType)}}
		}
		if m.ResultType != nil {
			entry.Result = &OpenRPCContentDescriptor{Name: "result", Schema: registry.resolve(m.ResultType)}
		}
		doc.Methods = append(doc.Methods, entry)
	}
	doc.Components = OpenRPCComponents{Schemas: registry.schemas}
	return doc
}

// OpenAPIOperation is one REST operation's description, keyed by path+method
// in OpenAPIDocument.Paths.
type OpenAPIOperation struct {
	OperationID     string          `json:"operationId"`
	RequestBody     *OpenAPIBody    `json:"requestBody,omitempty"`
	Responses       map[string]OpenAPIResponse `json:"responses"`
	XAuthentication XAuthentication `json:"x-authentication"`
}

// OpenAPIBody wraps a JSON request body schema.
type OpenAPIBody struct {
	Content map[string]OpenAPIMediaType `json:"content"`
}

// OpenAPIMediaType pairs a media type with its schema.
type OpenAPIMediaType struct {
	Schema *Schema `json:"schema"`
}

// OpenAPIResponse is one status-code response entry.
type OpenAPIResponse struct {
	Description string                      `json:"description"`
	Content     map[string]OpenAPIMediaType `json:"content,omitempty"`
}

// OpenAPIComponents holds the document's reusable schema definitions, keyed
// by Go type name, mirroring OpenRPCComponents for the REST document.
type OpenAPIComponents struct {
	Schemas map[string]*Schema `json:"schemas,omitempty"`
}

// OpenAPIDocument is a partial OpenAPI 3 document covering this toolkit's
// REST surface: one POST operation per method, at `/<service>/<method>`.
type OpenAPIDocument struct {
	OpenAPI    string                                  `json:"openapi"`
	Info       OpenRPCInfo                             `json:"info"`
	Paths      map[string]map[string]OpenAPIOperation  `json:"paths"`
	Components OpenAPIComponents                       `json:"components"`
}

// GenerateOpenAPI emits an OpenAPI 3 document for desc's methods, exposed as
// REST operations under /<service-name>/<method-name>.
func GenerateOpenAPI(desc *rpcdesc.ServiceDescription, version string) *OpenAPIDocument {
	registry := newSchemaRegistry()
	doc := &OpenAPIDocument{
		OpenAPI: "3.0.3",
		Info:    OpenRPCInfo{Title: desc.Name, Version: version},
		Paths:   make(map[string]map[string]OpenAPIOperation),
	}
	for _, m := range desc.Methods {
		op := OpenAPIOperation{
			OperationID: m.Name,
			Responses: map[string]OpenAPIResponse{
				"200": {Description: "successful response", Content: resultContent(registry, m)},
			},
			XAuthentication: authExtension(m.Auth),
		}
		if m.ParamsType != nil {
			op.RequestBody = &OpenAPIBody{Content: map[string]OpenAPIMediaType{
				"application/json": {Schema: registry.resolve(m.ParamsType)},
			}}
		}
		path := "/" + desc.Name + "/" + m.Name
		doc.Paths[path] = map[string]OpenAPIOperation{"post": op}
	}
	doc.Components = OpenAPIComponents{Schemas: registry.schemas}
	return doc
}

func resultContent(registry *schemaRegistry, m rpcdesc.MethodDescriptor) map[string]OpenAPIMediaType {
	if m.ResultType == nil {
		return nil
	}
	return map[string]OpenAPIMediaType{"application/json": {Schema: registry.resolve(m.ResultType)}}
}
