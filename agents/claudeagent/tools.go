/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package claudeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"chainguard.dev/prloop/clonemanager"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/chainguard-dev/clog"
	"github.com/invopop/jsonschema"
)

const submitToolName = "submit_result"

var reflector = jsonschema.Reflector{
	RequiredFromJSONSchemaTags: true,
	ExpandedStruct:             true,
	AllowAdditionalProperties:  true,
	DoNotReference:             true,
}

// schemaMap reflects T into a plain JSON schema map.
func schemaMap[T any]() map[string]any {
	var zero T
	data, err := json.Marshal(reflector.Reflect(&zero))
	if err != nil {
		panic(fmt.Sprintf("reflecting schema for %T: %v", zero, err))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("decoding schema for %T: %v", zero, err))
	}
	delete(out, "$schema")
	return out
}

// inputSchema turns the reflected schema of In into a tool input schema.
func inputSchema[In any]() anthropic.ToolInputSchemaParam {
	m := schemaMap[In]()
	var required []string
	if r, ok := m["required"].([]any); ok {
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return anthropic.ToolInputSchemaParam{
		Type:       "object",
		Properties: m["properties"],
		Required:   required,
	}
}

// newTool builds a tool whose input decodes into In.
func newTool[Resp, In any](name, description string, fn func(ctx context.Context, in In, s *session[Resp]) map[string]any) tool[Resp] {
	return tool[Resp]{
		definition: anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(description),
			InputSchema: inputSchema[In](),
		},
		handler: func(ctx context.Context, toolUse anthropic.ToolUseBlock, s *session[Resp]) map[string]any {
			var in In
			if err := json.Unmarshal(toolUse.Input, &in); err != nil {
				return toolError("failed to parse tool input: %v", err)
			}
			return fn(ctx, in, s)
		},
	}
}

type readFileInput struct {
	Reasoning string `json:"reasoning" jsonschema:"required" jsonschema_description:"Explain why you are reading this file."`
	Path      string `json:"path" jsonschema:"required" jsonschema_description:"The path to the file to read (relative to repository root)"`
}

type writeFileInput struct {
	Reasoning string `json:"reasoning" jsonschema:"required" jsonschema_description:"Explain why you are writing this file."`
	Path      string `json:"path" jsonschema:"required" jsonschema_description:"The path to the file to write (relative to repository root)"`
	Content   string `json:"content" jsonschema:"required" jsonschema_description:"The complete content to write to the file"`
}

type deleteFileInput struct {
	Reasoning string `json:"reasoning" jsonschema:"required" jsonschema_description:"Explain why you are deleting this file."`
	Path      string `json:"path" jsonschema:"required" jsonschema_description:"The path to the file to delete (relative to repository root)"`
}

type listDirectoryInput struct {
	Reasoning string `json:"reasoning" jsonschema:"required" jsonschema_description:"Explain why you are listing this directory."`
	Path      string `json:"path" jsonschema:"required" jsonschema_description:"The directory to list (relative to repository root, use '.' for root)"`
}

type searchInput struct {
	Reasoning string `json:"reasoning" jsonschema:"required" jsonschema_description:"Explain what you are searching for and why."`
	Pattern   string `json:"pattern" jsonschema:"required" jsonschema_description:"The regex pattern to search for"`
}

// worktreeTools exposes files to the model.
func worktreeTools[Resp any](files *clonemanager.Files) map[string]tool[Resp] {
	return map[string]tool[Resp]{
		"read_file": newTool("read_file", "Read the complete content of a file from the codebase.",
			func(ctx context.Context, in readFileInput, _ *session[Resp]) map[string]any {
				clog.FromContext(ctx).With("path", in.Path).With("reasoning", in.Reasoning).Debug("Reading file")
				content, err := files.ReadFile(in.Path)
				if err != nil {
					return toolError("%v", err)
				}
				return map[string]any{"path": in.Path, "content": content}
			}),
		"write_file": newTool("write_file", "Create or update a file in the codebase.",
			func(ctx context.Context, in writeFileInput, _ *session[Resp]) map[string]any {
				clog.FromContext(ctx).With("path", in.Path).With("reasoning", in.Reasoning).Info("Writing file")
				if err := files.WriteFile(in.Path, in.Content); err != nil {
					return toolError("%v", err)
				}
				return map[string]any{"success": true, "path": in.Path}
			}),
		"delete_file": newTool("delete_file", "Delete a file from the codebase.",
			func(ctx context.Context, in deleteFileInput, _ *session[Resp]) map[string]any {
				clog.FromContext(ctx).With("path", in.Path).With("reasoning", in.Reasoning).Info("Deleting file")
				if err := files.DeleteFile(in.Path); err != nil {
					return toolError("%v", err)
				}
				return map[string]any{"success": true, "path": in.Path}
			}),
		"list_directory": newTool("list_directory", "List the contents of a directory. Directories end with '/'.",
			func(_ context.Context, in listDirectoryInput, _ *session[Resp]) map[string]any {
				entries, err := files.ListDirectory(in.Path)
				if err != nil {
					return toolError("%v", err)
				}
				return map[string]any{"path": in.Path, "entries": entries}
			}),
		"search_codebase": newTool("search_codebase", "Search for a regex pattern across all text files in the codebase.",
			func(_ context.Context, in searchInput, _ *session[Resp]) map[string]any {
				matches, err := files.Search(in.Pattern)
				if err != nil {
					return toolError("%v", err)
				}
				return map[string]any{"pattern": in.Pattern, "matches": matches, "count": len(matches)}
			}),
	}
}

// validator is implemented by results that can reject an incomplete
// submission.
type validator interface {
	validate() error
}

type submitInput[Resp any] struct {
	Reasoning string `json:"reasoning"`
	Result    Resp   `json:"result"`
}

// submitTool ends the conversation with a Resp.
func submitTool[Resp any](description string) tool[Resp] {
	payload := schemaMap[Resp]()
	payload["description"] = description

	return tool[Resp]{
		definition: anthropic.ToolParam{
			Name:        submitToolName,
			Description: anthropic.String("Submit the final result and complete the task."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type: "object",
				Properties: map[string]any{
					"reasoning": map[string]any{
						"type":        "string",
						"description": "Explain why you are confident this result is complete and accurate.",
					},
					"result": payload,
				},
				Required: []string{"reasoning", "result"},
			},
		},
		handler: func(ctx context.Context, toolUse anthropic.ToolUseBlock, s *session[Resp]) map[string]any {
			var in submitInput[Resp]
			if err := json.Unmarshal(toolUse.Input, &in); err != nil {
				return toolError("failed to parse result: %v", err)
			}
			if v, ok := any(&in.Result).(validator); ok {
				if err := v.validate(); err != nil {
					return toolError("invalid result: %v", err)
				}
			}
			clog.FromContext(ctx).With("reasoning", in.Reasoning).Info("Submitting result")
			s.result, s.done = in.Result, true
			return map[string]any{"success": true, "message": "Result submitted successfully."}
		},
	}
}

// withSubmit merges the submit tool into tools.
func withSubmit[Resp any](tools map[string]tool[Resp], description string) map[string]tool[Resp] {
	out := make(map[string]tool[Resp], len(tools)+1)
	maps.Copy(out, tools)
	out[submitToolName] = submitTool[Resp](description)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
