package schemactx

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type yamlDocument struct {
	Schema string  `yaml:"schema"`
	Tables []Table `yaml:"tables"`
}

// FromYAML renders a document of the form
//
//	schema: smart_buildings
//	tables:
//	  - name: building
//	    columns:
//	      - {name: name, type: text}
func FromYAML(raw []byte) (Static, error) {
	var doc yamlDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Static{}, fmt.Errorf("decode schema yaml: %w", err)
	}
	if len(doc.Tables) == 0 {
		return Static{}, errors.New("schema yaml declares no tables")
	}
	for i := range doc.Tables {
		table := &doc.Tables[i]
		if strings.TrimSpace(table.Name) == "" {
			return Static{}, fmt.Errorf("table %d has no name", i)
		}
		if len(table.Columns) == 0 {
			return Static{}, fmt.Errorf("table %s declares no columns", table.Name)
		}
		if table.Schema == "" {
			table.Schema = doc.Schema
		}
	}
	return NewStatic(Render(doc.Tables))
}
