/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// AttributeEnricher adds contextual attributes to the base set (model, tool).
type AttributeEnricher func(ctx context.Context, baseAttrs []attribute.KeyValue) []attribute.KeyValue

type actionKey struct{}

type actionInfo struct {
	action     string
	repository string
}

// WithAction annotates ctx with the agent action and repository so that
// ActionEnricher can tag recordings with them.
func WithAction(ctx context.Context, action, repository string) context.Context {
	return context.WithValue(ctx, actionKey{}, actionInfo{action: action, repository: repository})
}

// ActionEnricher tags recordings with the values stored by WithAction.
func ActionEnricher(ctx context.Context, base []attribute.KeyValue) []attribute.KeyValue {
	info, ok := ctx.Value(actionKey{}).(actionInfo)
	if !ok {
		return base
	}
	return append(base,
		attribute.String("action", info.action),
		attribute.String("repository", info.repository),
	)
}
