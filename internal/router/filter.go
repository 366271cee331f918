package router

// Filter is an open map whose keys address "."-separated leaf field paths of a publishable event.
type Filter map[string]any

// Event is a tagged, routable publication: a channel-scoped payload carrying the field values a Filter may match
// against, plus the wire event type and the serialized payload to deliver.
type Event struct {
	Type    string
	Fields  map[string]any
	Payload any
}

// Match reports whether event satisfies f: a nil or missing filter value is ignored; a list value requires
// membership; any other value requires strict equality. An empty filter matches every event.
func Match(f Filter, event Event) bool {
	for key, want := range f {
		if want == nil {
			continue
		}
		got, ok := lookup(event.Fields, key)
		if !ok {
			return false
		}
		switch w := want.(type) {
		case []any:
			if !memberOf(w, got) {
				return false
			}
		default:
			if got != want {
				return false
			}
		}
	}
	return true
}

// lookup resolves a "."-separated path against a (possibly nested) map[string]any.
func lookup(fields map[string]any, path string) (any, bool) {
	cur := any(fields)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		segment := path[start:i]
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		val, ok := m[segment]
		if !ok {
			return nil, false
		}
		cur = val
		start = i + 1
	}
	return cur, true
}

func memberOf(list []any, v any) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
