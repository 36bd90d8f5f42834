// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package event

import (
	"sync"
	"testing"
)

func TestChangeKind(t *testing.T) {
	kinds := Data | Metadata

	if !kinds.Has(Data) {
		t.Error("expected Data bit")
	}
	if kinds.Has(Data | Source) {
		t.Error("Has requires all bits")
	}
	if !kinds.HasAny(Data | Source) {
		t.Error("HasAny requires one bit")
	}
	if kinds.HasAny(Displays) {
		t.Error("Displays not set")
	}

	cases := []struct {
		kinds ChangeKind
		want  string
	}{
		{0, "none"},
		{Data, "data"},
		{Data | Source, "data|source"},
		{Data | Metadata | Displays | Source, "data|metadata|displays|source"},
	}
	for _, tc := range cases {
		if got := tc.kinds.String(); got != tc.want {
			t.Errorf("String(%b) = %q, want %q", tc.kinds, got, tc.want)
		}
	}
}

func TestEmitter(t *testing.T) {
	t.Run("notify reaches all subscribers", func(t *testing.T) {
		e := NewEmitter()
		var got []ChangeKind
		e.Subscribe(func(k ChangeKind) { got = append(got, k) })
		e.Subscribe(func(k ChangeKind) { got = append(got, k) })

		e.Notify(Data)
		if len(got) != 2 || got[0] != Data || got[1] != Data {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		e := NewEmitter()
		count := 0
		sub := e.Subscribe(func(ChangeKind) { count++ })
		e.Notify(Data)
		e.Unsubscribe(sub)
		e.Notify(Data)
		if count != 1 {
			t.Fatalf("count = %d, want 1", count)
		}
		if e.Len() != 0 {
			t.Fatalf("Len = %d, want 0", e.Len())
		}
	})

	t.Run("unknown unsubscribe is ignored", func(t *testing.T) {
		e := NewEmitter()
		e.Unsubscribe(Subscription{id: "missing"})
	})

	t.Run("handler may unsubscribe itself", func(t *testing.T) {
		e := NewEmitter()
		var sub Subscription
		count := 0
		sub = e.Subscribe(func(ChangeKind) {
			count++
			e.Unsubscribe(sub)
		})
		e.Notify(Data)
		e.Notify(Data)
		if count != 1 {
			t.Fatalf("count = %d, want 1", count)
		}
	})

	t.Run("concurrent subscribe and notify", func(t *testing.T) {
		e := NewEmitter()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				sub := e.Subscribe(func(ChangeKind) {})
				e.Unsubscribe(sub)
			}()
			go func() {
				defer wg.Done()
				e.Notify(Metadata)
			}()
		}
		wg.Wait()
	})
}
