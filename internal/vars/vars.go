// Package vars renders {{ expression }} placeholders in configuration text.
//
// Expressions are govaluate expressions evaluated against an immutable
// Context. Nested variables are flattened with dots and must be written in
// brackets, e.g. {{ [db.host] }}, because govaluate reads a bare a.b as a
// struct accessor.
package vars

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
	"gopkg.in/yaml.v3"
)

var placeholderRegex = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// Context is a read-only name to value lookup. Lookups of absent names are
// remembered in first-seen order so a caller can report all of them at once.
// Context implements govaluate.Parameters.
type Context struct {
	values map[string]interface{}

	mu      sync.Mutex
	misses  []string
	missSet map[string]struct{}
}

// NewContext copies values, flattening nested maps into dotted names.
func NewContext(values map[string]interface{}) *Context {
	c := &Context{
		values:  make(map[string]interface{}, len(values)),
		missSet: make(map[string]struct{}),
	}
	flatten("", values, c.values)
	return c
}

func flatten(prefix string, in map[string]interface{}, out map[string]interface{}) {
	for k, v := range in {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(name, nested, out)
			continue
		}
		out[name] = v
	}
}

// Lookup returns the value for name and records a miss when it is absent.
func (c *Context) Lookup(name string) (interface{}, bool) {
	v, ok := c.values[name]
	if !ok {
		c.mu.Lock()
		if _, seen := c.missSet[name]; !seen {
			c.missSet[name] = struct{}{}
			c.misses = append(c.misses, name)
		}
		c.mu.Unlock()
	}
	return v, ok
}

// Get satisfies govaluate.Parameters.
func (c *Context) Get(name string) (interface{}, error) {
	v, ok := c.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("no variable '%s'", name)
	}
	return v, nil
}

// Misses returns the names looked up but not found, in first-miss order.
func (c *Context) Misses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.misses...)
}

// Names returns the defined variable names, sorted.
func (c *Context) Names() []string {
	names := make([]string, 0, len(c.values))
	for k := range c.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MissingError lists every undefined variable referenced by a template.
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("undefined variables: %s", strings.Join(e.Names, ", "))
}

// LoadFile reads a YAML (or JSON) document of variables.
func LoadFile(path string) (map[string]interface{}, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read variables file '%s': %w", path, err)
	}
	values := map[string]interface{}{}
	if err := yaml.Unmarshal(content, &values); err != nil {
		return nil, fmt.Errorf("failed to parse variables file '%s': %w", path, err)
	}
	return values, nil
}

// Render replaces every placeholder in text. All placeholders are evaluated
// before failing so that every undefined variable is reported together.
func Render(text string, ctx *Context) (string, error) {
	var evalErr error
	out := placeholderRegex.ReplaceAllStringFunc(text, func(match string) string {
		expr := placeholderRegex.FindStringSubmatch(match)[1]
		if expr == "" {
			if evalErr == nil {
				evalErr = fmt.Errorf("empty placeholder '%s'", match)
			}
			return match
		}
		parsed, err := govaluate.NewEvaluableExpression(expr)
		if err != nil {
			if evalErr == nil {
				evalErr = fmt.Errorf("invalid placeholder expression '%s': %w", expr, err)
			}
			return match
		}
		result, err := parsed.Eval(ctx)
		if err != nil {
			// Misses are collected by the context and reported below.
			if len(ctx.Misses()) == 0 && evalErr == nil {
				evalErr = fmt.Errorf("failed to evaluate '%s': %w", expr, err)
			}
			return match
		}
		return formatValue(result)
	})

	if misses := ctx.Misses(); len(misses) > 0 {
		return "", &MissingError{Names: misses}
	}
	if evalErr != nil {
		return "", evalErr
	}
	return out, nil
}

func formatValue(v interface{}) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		if typed == float64(int64(typed)) {
			return strconv.FormatInt(int64(typed), 10)
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return fmt.Sprint(typed)
	}
}
