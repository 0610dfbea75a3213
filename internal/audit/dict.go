package audit

import (
	"github.com/rs/zerolog"
)

// sparseDict collects the fields of a nested object that is left out of the
// entry entirely when none of them carries a value.
type sparseDict struct {
	fields []func(*zerolog.Event)
}

func (d *sparseDict) str(key, val string) *sparseDict {
	if val != "" {
		d.fields = append(d.fields, func(e *zerolog.Event) { e.Str(key, val) })
	}
	return d
}

// flag records key only when it is set.
func (d *sparseDict) flag(key string, set bool) *sparseDict {
	if set {
		d.fields = append(d.fields, func(e *zerolog.Event) { e.Bool(key, true) })
	}
	return d
}

// writeTo adds the object to parent under key and reports whether it had any
// fields to write.
func (d *sparseDict) writeTo(parent *zerolog.Event, key string) bool {
	if len(d.fields) == 0 {
		return false
	}

	dict := zerolog.Dict()
	for _, field := range d.fields {
		field(dict)
	}
	parent.Dict(key, dict)
	return true
}
