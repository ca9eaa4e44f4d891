package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var schemaFiles = map[string]string{
	TypeHello:   "hello.schema.json",
	TypeWelcome: "welcome.schema.json",
	TypeLock:    "lock.schema.json",
	TypeUnlock:  "lock.schema.json",
	TypeAck:     "ack.schema.json",
	TypeError:   "error.schema.json",
}

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	compiled := map[string]*jsonschema.Schema{}
	for typ, name := range schemaFiles {
		url := "mem://schemas/" + name
		if _, done := compiled[name]; !done {
			raw, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemasErr = err
				return
			}
			if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
				schemasErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				schemasErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			compiled[name] = s
		}
		if schemas == nil {
			schemas = map[string]*jsonschema.Schema{}
		}
		schemas[typ] = compiled[name]
	}
}

// Validate checks raw against the schema registered for typ.
func Validate(typ string, raw []byte) error {
	schemasOnce.Do(compileSchemas)
	if schemasErr != nil {
		return schemasErr
	}
	s, ok := schemas[typ]
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrBadMessage, typ)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadMessage, typ, err)
	}
	return nil
}
