package projector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Key identifies a versioned event type.
type Key struct {
	EventName string
	Version   string
}

func (k Key) String() string { return k.EventName + "/" + k.Version }

// Schema declares the payload of one event version. New returns a pointer to
// a fresh payload struct carrying json and validate tags.
type Schema struct {
	EventName string
	Version   string
	New       func() any
}

// Registry validates payloads against registered schemas.
type Registry struct {
	validate *validator.Validate
	schemas  map[Key]Schema
}

// NewRegistry returns an empty registry. Besides the stock validator tags it
// knows positive_amount, a decimal string or number greater than zero.
func NewRegistry() *Registry {
	v := validator.New()
	_ = v.RegisterValidation("positive_amount", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.GreaterThan(decimal.Zero)
	})
	return &Registry{validate: v, schemas: make(map[Key]Schema)}
}

// Register adds s. A key can be registered once.
func (r *Registry) Register(s Schema) error {
	k := Key{EventName: s.EventName, Version: s.Version}
	if s.EventName == "" || s.Version == "" || s.New == nil {
		return fmt.Errorf("schema %s is incomplete", k)
	}
	if _, dup := r.schemas[k]; dup {
		return fmt.Errorf("schema %s registered twice", k)
	}
	r.schemas[k] = s
	return nil
}

// Keys lists registered keys, sorted.
func (r *Registry) Keys() []Key {
	out := make([]Key, 0, len(r.schemas))
	for k := range r.schemas {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Decode parses and validates payload. It returns ErrUnknownEvent or a
// *ValidationError on failure.
func (r *Registry) Decode(eventName, version string, payload []byte) (any, error) {
	s, ok := r.schemas[Key{EventName: eventName, Version: version}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownEvent, eventName, version)
	}
	v := s.New()
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return nil, &ValidationError{EventName: eventName, Version: version, Reason: "malformed payload: " + err.Error()}
	}
	if err := r.validate.Struct(v); err != nil {
		return nil, &ValidationError{EventName: eventName, Version: version, Reason: describe(err)}
	}
	return v, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
