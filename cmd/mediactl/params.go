package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/spf13/cast"
)

// parseParams turns repeated key=value flags into job params. Numbers and
// booleans are typed; everything else stays a string.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("param %q: expected key=value", pair)
		}
		params[key] = typedValue(strings.TrimSpace(value))
	}
	return params, nil
}

func typedValue(s string) any {
	switch strings.ToLower(s) {
	case "true", "false":
		return cast.ToBool(s)
	}
	if f, err := cast.ToFloat64E(s); err == nil && s != "" {
		return f
	}
	return s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requestFromFlags(providerID, task, prompt string, params, inputs []string, sensitive, consent bool) (domain.CreateJobRequest, error) {
	parsed, err := parseParams(params)
	if err != nil {
		return domain.CreateJobRequest{}, err
	}
	return domain.CreateJobRequest{
		Provider:         providerID,
		Task:             task,
		Prompt:           prompt,
		Params:           parsed,
		Inputs:           inputs,
		ContentSensitive: sensitive,
		Consent:          consent,
	}, nil
}
