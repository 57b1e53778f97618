package filter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"seedflow/internal/errs"
	"seedflow/pkg/records"
)

// RegexTimeout bounds a single regex match. A match that runs out of time
// evaluates to false.
var RegexTimeout = 100 * time.Millisecond

// Parse compiles a decoded filter spec. Malformed arguments to a known
// predicate kind are configuration errors; unknown kinds compile to Unknown.
func Parse(raw any) (Node, error) {
	switch v := raw.(type) {
	case nil:
		return MatchAll, nil
	case bool:
		return Literal{Value: v}, nil
	case []any:
		return parseList(v)
	case []map[string]any:
		list := make([]any, len(v))
		for i := range v {
			list[i] = v[i]
		}
		return parseList(list)
	}
	if m, ok := asMap(raw); ok {
		return parseObject(m)
	}
	return Unknown{Raw: raw}, nil
}

// MustParse is Parse for literals in code and tests.
func MustParse(raw any) Node {
	n, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return n
}

func parseList(list []any) (Node, error) {
	nodes := make([]Node, 0, len(list))
	for i, item := range list {
		n, err := Parse(item)
		if err != nil {
			return nil, fmt.Errorf("filter[%d]: %w", i, err)
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return All{Nodes: nodes}, nil
}

func parseObject(m map[string]any) (Node, error) {
	if len(m) == 0 {
		return Unknown{Raw: m}, nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	nodes := make([]Node, 0, len(keys))
	for _, k := range keys {
		n, err := parsePredicate(k, m[k])
		if err != nil {
			return nil, errs.Configf("filter %s: %v", k, err)
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return All{Nodes: nodes}, nil
}

func parsePredicate(kind string, arg any) (Node, error) {
	switch kind {
	case "exists", "missing":
		p, err := pathArg(arg)
		if err != nil {
			return nil, err
		}
		return Exists{Path: p, Negate: kind == "missing"}, nil

	case "equals", "neq":
		a, err := argsOf(arg)
		if err != nil {
			return nil, err
		}
		return Equals{Path: a.path, Value: a.value, CaseInsensitive: a.ci, Negate: kind == "neq"}, nil

	case "in", "nin":
		a, err := argsOf(arg)
		if err != nil {
			return nil, err
		}
		vals, ok := a.m["values"]
		if !ok {
			vals = a.value
		}
		list, ok := vals.([]any)
		if !ok {
			return nil, fmt.Errorf("values must be a list, got %T", vals)
		}
		return In{Path: a.path, Values: list, CaseInsensitive: a.ci, Negate: kind == "nin"}, nil

	case "regex":
		a, err := argsOf(arg)
		if err != nil {
			return nil, err
		}
		pattern := records.String(a.m["pattern"])
		re, err := regexp2.Compile(pattern, regexOptions(records.String(a.m["flags"])))
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		re.MatchTimeout = RegexTimeout
		return Regex{Path: a.path, Pattern: pattern, re: re}, nil

	case "gt", "gte", "lt", "lte":
		a, err := argsOf(arg)
		if err != nil {
			return nil, err
		}
		return Compare{Path: a.path, Op: CompareOp(kind), Value: a.value}, nil

	case "contains", "startsWith", "endsWith":
		a, err := argsOf(arg)
		if err != nil {
			return nil, err
		}
		return Substring{Path: a.path, Op: SubstringOp(kind), Value: records.String(a.value), CaseInsensitive: a.ci}, nil

	case "length":
		a, err := argsOf(arg)
		if err != nil {
			return nil, err
		}
		op := CompareOp(records.String(a.m["op"]))
		switch op {
		case "":
			op = OpEq
		case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		default:
			return nil, fmt.Errorf("unknown length op %q", op)
		}
		return Length{Path: a.path, Op: op, Value: a.value}, nil

	case "all", "any":
		list, ok := arg.([]any)
		if !ok {
			return nil, fmt.Errorf("expects a list, got %T", arg)
		}
		nodes := make([]Node, 0, len(list))
		for i, item := range list {
			n, err := Parse(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			nodes = append(nodes, n)
		}
		if kind == "all" {
			return All{Nodes: nodes}, nil
		}
		return Any{Nodes: nodes}, nil

	case "not":
		n, err := Parse(arg)
		if err != nil {
			return nil, err
		}
		return Not{Node: n}, nil
	}
	return Unknown{Raw: map[string]any{kind: arg}}, nil
}

type predicateArgs struct {
	m     map[string]any
	path  string
	value any
	ci    bool
}

func argsOf(arg any) (predicateArgs, error) {
	m, ok := asMap(arg)
	if !ok {
		return predicateArgs{}, fmt.Errorf("expects an object, got %T", arg)
	}
	p := records.String(m["path"])
	if p == "" {
		p = records.String(m["field"])
	}
	if p == "" {
		return predicateArgs{}, fmt.Errorf("path is required")
	}
	ci, _ := m["caseInsensitive"].(bool)
	return predicateArgs{m: m, path: p, value: m["value"], ci: ci}, nil
}

func pathArg(arg any) (string, error) {
	if s, ok := arg.(string); ok && s != "" {
		return s, nil
	}
	if a, err := argsOf(arg); err == nil {
		return a.path, nil
	}
	return "", fmt.Errorf("expects a path string, got %T", arg)
}

func regexOptions(flags string) regexp2.RegexOptions {
	var o regexp2.RegexOptions
	for _, f := range strings.ToLower(flags) {
		switch f {
		case 'i':
			o |= regexp2.IgnoreCase
		case 'm':
			o |= regexp2.Multiline
		case 's':
			o |= regexp2.Singleline
		}
	}
	return o
}

// asMap accepts both plain maps (koanf / encoding/json) and ordered records
// (seed documents decoded by pkg/records).
func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case records.Record:
		return t.Map(), true
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[fmt.Sprint(k)] = vv
		}
		return m, true
	}
	return nil, false
}
