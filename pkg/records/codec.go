package records

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// MarshalJSON writes the fields in order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(r.vals[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object keeping the document's key order. Nested
// objects decode as Record as well.
func (r *Record) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	v, err := decodeJSONValue(dec)
	if err != nil {
		return err
	}
	rec, ok := v.(Record)
	if !ok {
		return fmt.Errorf("records: expected JSON object, got %T", v)
	}
	*r = rec
	return nil
}

func decodeJSONValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			var rec Record
			rec.vals = map[string]any{}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("records: non-string object key %v", kt)
				}
				v, err := decodeJSONValue(dec)
				if err != nil {
					return nil, err
				}
				rec.Set(key, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return rec, nil
		case '[':
			out := []any{}
			for dec.More() {
				v, err := decodeJSONValue(dec)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return out, nil
		}
		return nil, fmt.Errorf("records: unexpected delimiter %v", t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return tok, nil
}

// DecodeJSON decodes an arbitrary JSON document, turning every object into an
// ordered Record.
func DecodeJSON(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return decodeJSONValue(dec)
}

// MarshalYAML emits an ordered mapping node.
func (r Record) MarshalYAML() (any, error) {
	n := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range r.keys {
		var vn yaml.Node
		if err := vn.Encode(r.vals[k]); err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: k}, &vn)
	}
	return n, nil
}

// UnmarshalYAML decodes a mapping node keeping key order.
func (r *Record) UnmarshalYAML(n *yaml.Node) error {
	v, err := FromYAMLNode(n)
	if err != nil {
		return err
	}
	rec, ok := v.(Record)
	if !ok {
		return fmt.Errorf("records: expected YAML mapping at line %d", n.Line)
	}
	*r = rec
	return nil
}

// FromYAMLNode converts a decoded yaml.Node tree into plain values, with
// mappings as ordered Records.
func FromYAMLNode(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return FromYAMLNode(n.Content[0])
	case yaml.MappingNode:
		var rec Record
		rec.vals = map[string]any{}
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := FromYAMLNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			rec.Set(n.Content[i].Value, v)
		}
		return rec, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := FromYAMLNode(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.AliasNode:
		return FromYAMLNode(n.Alias)
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("records: unsupported YAML node kind %v", n.Kind)
}

// DecodeYAML decodes a YAML document with ordered mappings.
func DecodeYAML(b []byte) (any, error) {
	var n yaml.Node
	if err := yaml.Unmarshal(b, &n); err != nil {
		return nil, err
	}
	return FromYAMLNode(&n)
}
