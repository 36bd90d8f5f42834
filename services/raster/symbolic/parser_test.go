// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package symbolic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExpression(t *testing.T) {
	reg := NewRegistry()
	vars := map[string]string{"a": "item-a", "b": "item-b"}

	t.Run("multiplication binds tighter than addition", func(t *testing.T) {
		node, ok := ParseExpression(reg, "1 + 2 * 3", vars)
		require.True(t, ok)
		require.Equal(t, NodeBinary, node.Type)
		assert.Equal(t, FnAdd, node.Function)
		assert.Equal(t, FnMul, node.Children[1].Function)
		assert.Equal(t, 1.0, node.Children[0].Value)
	})

	t.Run("power associates right", func(t *testing.T) {
		node, ok := ParseExpression(reg, "2 ** 3 ** 2", vars)
		require.True(t, ok)
		assert.Equal(t, FnPow, node.Function)
		assert.Equal(t, FnPow, node.Children[1].Function)
		assert.Equal(t, 2.0, node.Children[0].Value)
	})

	t.Run("power binds tighter than unary minus", func(t *testing.T) {
		node, ok := ParseExpression(reg, "-2 ** 2", vars)
		require.True(t, ok)
		require.Equal(t, NodeUnary, node.Type)
		assert.Equal(t, FnNeg, node.Function)
		assert.Equal(t, FnPow, node.Children[0].Function)
	})

	t.Run("parentheses override precedence", func(t *testing.T) {
		node, ok := ParseExpression(reg, "(1 + 2) * 3", vars)
		require.True(t, ok)
		assert.Equal(t, FnMul, node.Function)
		assert.Equal(t, FnAdd, node.Children[0].Function)
	})

	t.Run("variables become reference nodes with specifiers", func(t *testing.T) {
		node, ok := ParseExpression(reg, "a + b", vars)
		require.True(t, ok)
		assert.Equal(t, NodeReference, node.Children[0].Type)
		assert.Equal(t, "item-a", node.Children[0].Specifier)
		assert.Equal(t, "item-b", node.Children[1].Specifier)
	})

	t.Run("property access parses to a reference with a property", func(t *testing.T) {
		node, ok := ParseExpression(reg, "a - a.mean", vars)
		require.True(t, ok)
		prop := node.Children[1]
		assert.Equal(t, NodeReference, prop.Type)
		assert.Equal(t, "item-a", prop.Specifier)
		assert.Equal(t, "mean", prop.Property)
	})

	t.Run("reducer calls become scalar nodes", func(t *testing.T) {
		node, ok := ParseExpression(reg, "mean(a)", vars)
		require.True(t, ok)
		assert.Equal(t, NodeScalar, node.Type)
		assert.Equal(t, FnMean, node.Function)
	})

	t.Run("unary calls become unary nodes", func(t *testing.T) {
		node, ok := ParseExpression(reg, "log10(a)", vars)
		require.True(t, ok)
		assert.Equal(t, NodeUnary, node.Type)
		assert.Equal(t, FnLog10, node.Function)
	})

	t.Run("library calls take parameter arguments", func(t *testing.T) {
		node, ok := ParseExpression(reg, "gaussian_blur(a, 1.5)", vars)
		require.True(t, ok)
		require.Equal(t, NodeFunction, node.Type)
		assert.Equal(t, FnGaussianBlur, node.Function)
		require.Len(t, node.Children, 2)
		assert.Equal(t, 1.5, node.Children[1].Value)
	})

	t.Run("crop takes fractional bounds", func(t *testing.T) {
		node, ok := ParseExpression(reg, "crop(a, 0.25, 0.25, 0.5, 0.5)", vars)
		require.True(t, ok)
		assert.Equal(t, FnCrop, node.Function)
		assert.Len(t, node.Children, 5)
	})

	t.Run("parse failures return nil false", func(t *testing.T) {
		bad := []string{
			"",
			"1 +",
			"(1 + 2",
			"unknown_var",
			"bogus_fn(a)",
			"mean(a, 2)",
			"a ..mean",
			"1 $ 2",
			"a +* b",
		}
		for _, expr := range bad {
			node, ok := ParseExpression(reg, expr, vars)
			assert.False(t, ok, "expression %q should fail", expr)
			assert.Nil(t, node)
		}
	})
}

func TestSerializeRoundTrip(t *testing.T) {
	reg := NewRegistry()
	vars := map[string]string{"a": "item-a"}

	t.Run("reference nodes refuse to serialize", func(t *testing.T) {
		node, ok := ParseExpression(reg, "a + 1", vars)
		require.True(t, ok)
		_, err := node.Write()
		assert.ErrorIs(t, err, ErrBadNode)
	})

	t.Run("bound tree survives a record round trip", func(t *testing.T) {
		node, ok := ParseExpression(reg, "gaussian_blur(a, 2) + 1", vars)
		require.True(t, ok)
		// Rewrite references the way binding does.
		node.Walk(func(n *DataNode) {
			if n.Type == NodeReference {
				n.Type = NodeData
			}
		})

		rec, err := node.Write()
		require.NoError(t, err)

		back, err := ReadNode(rec)
		require.NoError(t, err)

		assertNodesEqual(t, node, back)
	})

	t.Run("corrupt records are rejected", func(t *testing.T) {
		_, err := ReadNode(nil)
		assert.ErrorIs(t, err, ErrBadNode)

		_, err = ReadNode(&Record{Type: "reference", ID: "x"})
		assert.ErrorIs(t, err, ErrBadNode)

		_, err = ReadNode(&Record{Type: "constant", ID: "not-a-uuid"})
		assert.ErrorIs(t, err, ErrBadNode)
	})
}

func assertNodesEqual(t *testing.T, want, got *DataNode) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Function, got.Function)
	assert.Equal(t, want.Value, got.Value)
	assert.Equal(t, want.Specifier, got.Specifier)
	assert.Equal(t, want.Property, got.Property)
	require.Equal(t, len(want.Children), len(got.Children))
	for i := range want.Children {
		assertNodesEqual(t, want.Children[i], got.Children[i])
	}
}
