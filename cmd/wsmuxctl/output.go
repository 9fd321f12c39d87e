package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// formatter renders call results and pushes for the terminal.
type formatter interface {
	Format(data any) string
}

func newFormatter(format string) (formatter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return jsonFormatter{}, nil
	case "yaml":
		return yamlFormatter{}, nil
	case "text":
		return textFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (expected json, yaml or text)", format)
	}
}

type jsonFormatter struct{}

func (jsonFormatter) Format(data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("error formatting JSON: %v\n", err)
	}
	return string(b) + "\n"
}

type yamlFormatter struct{}

func (yamlFormatter) Format(data any) string {
	b, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Sprintf("error formatting YAML: %v\n", err)
	}
	return string(b)
}

// textFormatter prints one line per value, pushes as "topic: args".
type textFormatter struct{}

func (textFormatter) Format(data any) string {
	if p, ok := data.(pushRecord); ok {
		parts := make([]string, len(p.Args))
		for i, arg := range p.Args {
			parts[i] = fmt.Sprint(arg)
		}
		return fmt.Sprintf("%s: %s\n", p.Topic, strings.Join(parts, " "))
	}
	return fmt.Sprintln(data)
}

// pushRecord is the printable form of one push.
type pushRecord struct {
	Topic      string `json:"topic" yaml:"topic"`
	Subscriber string `json:"subscriber" yaml:"subscriber"`
	Args       []any  `json:"args" yaml:"args"`
}
