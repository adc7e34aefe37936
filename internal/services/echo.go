package services

import (
	"context"
	"encoding/json"
	"errors"
)

// Echo returns args.value unchanged. It exists for diagnostics and tests.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (e Echo) Methods() map[string]Method {
	return map[string]Method{
		"say":  e.say,
		"fail": e.fail,
	}
}

func (Echo) say(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Value json.RawMessage `json:"value"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if len(in.Value) == 0 {
		return json.RawMessage(`null`), nil
	}
	return in.Value, nil
}

func (Echo) fail(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Message string `json:"message"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Message == "" {
		in.Message = "echo.fail called"
	}
	return nil, errors.New(in.Message)
}
