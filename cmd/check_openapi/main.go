// Command check_openapi verifies that the service API documents agree on the
// error envelope and that every error response uses it.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	errorSchemaRef    = "#/components/schemas/ErrorResponse"
	responseRefPrefix = "#/components/responses/"
)

type openAPIDoc struct {
	Paths      map[string]pathItem `yaml:"paths"`
	Components struct {
		Schemas   map[string]schema   `yaml:"schemas"`
		Responses map[string]response `yaml:"responses"`
	} `yaml:"components"`
}

type pathItem struct {
	Get    *operation `yaml:"get"`
	Post   *operation `yaml:"post"`
	Put    *operation `yaml:"put"`
	Patch  *operation `yaml:"patch"`
	Delete *operation `yaml:"delete"`
}

func (p pathItem) operations() map[string]*operation {
	ops := map[string]*operation{}
	for method, op := range map[string]*operation{
		"GET":    p.Get,
		"POST":   p.Post,
		"PUT":    p.Put,
		"PATCH":  p.Patch,
		"DELETE": p.Delete,
	} {
		if op != nil {
			ops[method] = op
		}
	}
	return ops
}

type operation struct {
	Responses map[string]response `yaml:"responses"`
}

type response struct {
	Ref     string               `yaml:"$ref"`
	Content map[string]mediaType `yaml:"content"`
}

type mediaType struct {
	Schema schema `yaml:"schema"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

type schemaShape struct {
	Type       string
	Required   []string
	Properties map[string]propertyShape
}

type propertyShape struct {
	Type     string
	ItemsRef string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(paths []string, out io.Writer) error {
	if len(paths) < 2 {
		return errors.New("usage: check_openapi <openapi.yaml> <openapi.yaml> [...]")
	}
	var (
		baseline     schemaShape
		baselinePath string
	)
	for i, path := range paths {
		doc, err := loadDoc(path)
		if err != nil {
			return err
		}
		errSchema, err := getSchema(doc, "ErrorResponse")
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := validateErrorResponse(path, errSchema); err != nil {
			return err
		}
		if err := checkErrorResponses(path, doc); err != nil {
			return err
		}
		shape := shapeFromSchema(errSchema)
		if i == 0 {
			baseline, baselinePath = shape, path
			continue
		}
		if err := ensureSameShape("ErrorResponse", baseline, shape); err != nil {
			return fmt.Errorf("%s vs %s: %w", baselinePath, path, err)
		}
	}
	fmt.Fprintln(out, "OpenAPI consistency check passed.")
	return nil
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(scope string, s schema) error {
	if s.Type != "object" {
		return fmt.Errorf("%s ErrorResponse must be object", scope)
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("%s ErrorResponse.required must include %q", scope, field)
		}
	}
	for _, field := range []string{"error", "code", "guard", "requestId"} {
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("%s ErrorResponse.%s must be string", scope, field)
		}
	}
	return nil
}

// checkErrorResponses requires every 4xx and 5xx response to carry the
// ErrorResponse schema, directly or through a shared component response.
func checkErrorResponses(scope string, doc openAPIDoc) error {
	var problems []string
	for path, item := range doc.Paths {
		for method, op := range item.operations() {
			for status, resp := range op.Responses {
				code, err := strconv.Atoi(status)
				if err != nil || code < 400 {
					continue
				}
				if !usesErrorSchema(doc, resp) {
					problems = append(problems, fmt.Sprintf("%s %s %s", method, path, status))
				}
			}
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%s: error responses without ErrorResponse schema: %s", scope, strings.Join(problems, "; "))
}

func usesErrorSchema(doc openAPIDoc, resp response) bool {
	if ref := strings.TrimSpace(resp.Ref); ref != "" {
		name, ok := strings.CutPrefix(ref, responseRefPrefix)
		if !ok {
			return false
		}
		shared, ok := doc.Components.Responses[name]
		if !ok || strings.TrimSpace(shared.Ref) != "" {
			return false
		}
		resp = shared
	}
	media, ok := resp.Content["application/json"]
	return ok && strings.TrimSpace(media.Schema.Ref) == errorSchemaRef
}

func shapeFromSchema(s schema) schemaShape {
	out := schemaShape{
		Type:       s.Type,
		Required:   append([]string(nil), s.Required...),
		Properties: make(map[string]propertyShape, len(s.Properties)),
	}
	sort.Strings(out.Required)
	for name, prop := range s.Properties {
		shape := propertyShape{Type: prop.Type}
		if prop.Items != nil {
			shape.ItemsRef = strings.TrimSpace(prop.Items.Ref)
		}
		out.Properties[name] = shape
	}
	return out
}

func ensureSameShape(name string, left, right schemaShape) error {
	if left.Type != right.Type {
		return fmt.Errorf("%s type mismatch: %q vs %q", name, left.Type, right.Type)
	}
	if strings.Join(left.Required, ",") != strings.Join(right.Required, ",") {
		return fmt.Errorf("%s required mismatch: %v vs %v", name, left.Required, right.Required)
	}
	if len(left.Properties) != len(right.Properties) {
		return fmt.Errorf("%s property count mismatch: %d vs %d", name, len(left.Properties), len(right.Properties))
	}
	for key, leftProp := range left.Properties {
		rightProp, ok := right.Properties[key]
		if !ok {
			return fmt.Errorf("%s missing property %q", name, key)
		}
		if leftProp != rightProp {
			return fmt.Errorf("%s property %q mismatch: %+v vs %+v", name, key, leftProp, rightProp)
		}
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}
