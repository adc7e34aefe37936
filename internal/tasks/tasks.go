// Package tasks holds the built-in native tasks shipped with stackrun.
//
// Task bodies are replayed from the top after every suspension, so each one
// derives its calls only from its input and earlier call results.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/stackrun/internal/executor"
)

type builtin struct {
	name   string
	desc   string
	schema string
	fn     executor.TaskFunc
}

var builtins = []builtin{
	{
		name:   "echo",
		desc:   "Returns input.value through the echo service.",
		schema: `{"type":"object","required":["value"]}`,
		fn:     echoTask,
	},
	{
		name:   "sequential",
		desc:   "Echoes each of input.values in order, one call per value.",
		schema: sequentialSchema,
		fn:     sequentialTask,
	},
	{
		name:   "fanout",
		desc:   "Runs sequential as a nested task once per group.",
		schema: `{"type":"object","required":["groups"],"properties":{"groups":{"type":"array","items":` + sequentialValues + `}}}`,
		fn:     fanoutTask,
	},
	{
		name: "fail",
		desc: "Fails through echo.fail with input.message.",
		fn:   failTask,
	},
	{
		name:   "research",
		desc:   "Searches the web, summarizes the results with the llm service and stores the summary in kv.",
		schema: researchSchema,
		fn:     researchTask,
	},
}

const sequentialValues = `{"type":"array","items":{"type":"string"}}`

const sequentialSchema = `{"type":"object","required":["values"],"properties":{"values":` + sequentialValues + `}}`

// Register adds every built-in task to n.
func Register(n *executor.Native) error {
	for _, b := range builtins {
		opts := []executor.TaskOption{executor.WithDescription(b.desc)}
		if b.schema != "" {
			opts = append(opts, executor.WithSchema(b.schema))
		}
		if err := n.Register(b.name, b.fn, opts...); err != nil {
			return err
		}
	}
	return nil
}

// Names lists the built-in task names in registration order.
func Names() []string {
	out := make([]string, len(builtins))
	for i, b := range builtins {
		out[i] = b.name
	}
	return out
}

func echoTask(tc *executor.TaskContext, input json.RawMessage) (any, error) {
	var in struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	return tc.Call("echo", "say", map[string]json.RawMessage{"value": in.Value})
}

type sequentialInput struct {
	Values []string `json:"values"`
}

func sequentialTask(tc *executor.TaskContext, input json.RawMessage) (any, error) {
	var in sequentialInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(in.Values))
	for _, v := range in.Values {
		var got string
		if err := tc.CallInto("echo", "say", map[string]string{"value": v}, &got); err != nil {
			return nil, err
		}
		out = append(out, got)
	}
	return out, nil
}

func fanoutTask(tc *executor.TaskContext, input json.RawMessage) (any, error) {
	var in struct {
		Groups [][]string `json:"groups"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	out := make([][]string, 0, len(in.Groups))
	for _, g := range in.Groups {
		var got []string
		if err := tc.RunTask("sequential", sequentialInput{Values: g}, &got); err != nil {
			return nil, err
		}
		out = append(out, got)
	}
	return map[string]any{"groups": out}, nil
}

func failTask(tc *executor.TaskContext, input json.RawMessage) (any, error) {
	var in struct {
		Message string `json:"message"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
	}
	if _, err := tc.Call("echo", "fail", map[string]string{"message": in.Message}); err != nil {
		return nil, err
	}
	return nil, errors.New("echo.fail returned without error")
}

const researchSchema = `{
	"type": "object",
	"required": ["query"],
	"properties": {
		"query": {"type": "string", "minLength": 1},
		"limit": {"type": "integer", "minimum": 1, "maximum": 20},
		"key": {"type": "string"}
	}
}`

type researchInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
	Key   string `json:"key"`
}

type searchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// ResearchResult is the output of the research task and the value it stores.
type ResearchResult struct {
	Query   string   `json:"query"`
	Summary string   `json:"summary"`
	Sources []string `json:"sources"`
	Key     string   `json:"key"`
}

func researchTask(tc *executor.TaskContext, input json.RawMessage) (any, error) {
	var in researchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	if in.Limit <= 0 {
		in.Limit = 5
	}
	if in.Key == "" {
		in.Key = "research/" + strings.ToLower(strings.TrimSpace(in.Query))
	}

	var found struct {
		Results []searchHit `json:"results"`
	}
	if err := tc.CallInto("search", "query", map[string]any{"query": in.Query, "limit": in.Limit}, &found); err != nil {
		return nil, err
	}

	res := ResearchResult{Query: in.Query, Key: in.Key, Sources: []string{}}
	if len(found.Results) == 0 {
		res.Summary = "no results"
	} else {
		var gen struct {
			Text string `json:"text"`
		}
		err := tc.CallInto("llm", "generate", map[string]string{
			"system": "Summarize the search results in a short paragraph. Cite nothing that is not in them.",
			"prompt": researchPrompt(in.Query, found.Results),
		}, &gen)
		if err != nil {
			return nil, err
		}
		res.Summary = strings.TrimSpace(gen.Text)
		for _, h := range found.Results {
			res.Sources = append(res.Sources, h.URL)
		}
	}

	if err := tc.CallInto("kv", "set", map[string]any{"key": in.Key, "value": res}, nil); err != nil {
		return nil, err
	}
	return res, nil
}

func researchPrompt(query string, hits []searchHit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nResults:\n", query)
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. %s (%s)\n   %s\n", i+1, h.Title, h.URL, h.Snippet)
	}
	return b.String()
}
