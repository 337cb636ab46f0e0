package mcp

import "time"

// Clone returns a deep copy of the message. The bus hands each delivery its
// own copy so handlers never share mutable state.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{
		Header:   m.Header,
		Body:     cloneBody(m.Body),
		Metadata: cloneMap(m.Metadata),
	}
	return out
}

func cloneBody(b Body) Body {
	switch v := b.(type) {
	case *Command:
		c := *v
		c.Parameters = Params(cloneMap(v.Parameters))
		c.ExecutionContext = cloneMap(v.ExecutionContext)
		return &c
	case *Response:
		c := *v
		c.Data = cloneMap(v.Data)
		c.ResourceIDs = append([]string(nil), v.ResourceIDs...)
		return &c
	case *Event:
		c := *v
		c.Data = cloneMap(v.Data)
		return &c
	case *Error:
		c := *v
		c.Details = cloneMap(v.Details)
		return &c
	case *Query:
		c := *v
		c.Filters = cloneMap(v.Filters)
		c.Pagination = cloneMap(v.Pagination)
		c.Fields = append([]string(nil), v.Fields...)
		c.OrderBy = append([]string(nil), v.OrderBy...)
		return &c
	case *Subscription:
		c := *v
		c.Filters = cloneMap(v.Filters)
		if v.Expiration != nil {
			exp := *v.Expiration
			c.Expiration = &exp
		}
		return &c
	case *StateUpdate:
		c := *v
		c.PreviousState = cloneMap(v.PreviousState)
		c.CurrentState = cloneMap(v.CurrentState)
		c.ChangedFields = append([]string(nil), v.ChangedFields...)
		return &c
	case *Heartbeat:
		c := *v
		return &c
	case *Data:
		c := *v
		c.Content = cloneValue(v.Content)
		return &c
	}
	return b
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Params:
		return Params(cloneMap(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case time.Time:
		return t
	}
	return v
}
