package domain

import (
	"strings"
)

// Descriptor names the worker-side callable a view dispatches to and the
// payload fields it forwards. It is immutable once created.
type Descriptor struct {
	module     string
	function   string
	parameters []string
}

// NewDescriptor validates a view's job declaration and returns its descriptor.
// The function is not looked up here: the worker binds it when a job arrives.
func NewDescriptor(module, function string, parameters []string) (Descriptor, error) {
	module = strings.TrimSpace(module)
	function = strings.TrimSpace(function)

	if module == "" {
		module = DefaultModule
	}
	if function == "" {
		return Descriptor{}, NewConfigurationError("job function name is required")
	}
	if strings.Contains(function, ".") {
		return Descriptor{}, NewConfigurationError("job function name %q must not contain '.'", function)
	}

	seen := make(map[string]struct{}, len(parameters))
	params := make([]string, 0, len(parameters))
	for _, p := range parameters {
		if p == "" {
			return Descriptor{}, NewConfigurationError("empty parameter name for %s.%s", module, function)
		}
		if _, dup := seen[p]; dup {
			return Descriptor{}, NewConfigurationError("duplicate parameter %q for %s.%s", p, module, function)
		}
		seen[p] = struct{}{}
		params = append(params, p)
	}

	return Descriptor{
		module:     module,
		function:   function,
		parameters: params,
	}, nil
}

// MustDescriptor is like NewDescriptor but panics on error
func MustDescriptor(module, function string, parameters ...string) Descriptor {
	d, err := NewDescriptor(module, function, parameters)
	if err != nil {
		panic(err)
	}
	return d
}

// Module returns the job module name
func (d Descriptor) Module() string { return d.module }

// Function returns the job function name
func (d Descriptor) Function() string { return d.function }

// Parameters returns a copy of the declared parameter names
func (d Descriptor) Parameters() []string {
	out := make([]string, len(d.parameters))
	copy(out, d.parameters)
	return out
}

// Key returns the fully-qualified callable reference, "module.function"
func (d Descriptor) Key() string {
	return d.module + "." + d.function
}

// IsZero reports whether d was never initialised through NewDescriptor
func (d Descriptor) IsZero() bool {
	return d.function == ""
}

// Bind extracts the declared parameters from payload. Undeclared payload
// fields are dropped.
func (d Descriptor) Bind(payload map[string]any) (map[string]any, error) {
	args := make(map[string]any, len(d.parameters))
	for _, name := range d.parameters {
		v, ok := payload[name]
		if !ok {
			return nil, &ValidationError{Field: name}
		}
		args[name] = v
	}
	return args, nil
}

// ParseKey splits "module.function" on the last dot
func ParseKey(key string) (module, function string, err error) {
	i := strings.LastIndex(key, ".")
	if i <= 0 || i == len(key)-1 {
		return "", "", NewConfigurationError("invalid job key %q", key)
	}
	return key[:i], key[i+1:], nil
}
