package main

import (
	"slices"
	"testing"
)

func TestSplitList(t *testing.T) {
	cases := map[string][]string{
		"":                     nil,
		"kafka:9092":           {"kafka:9092"},
		" a:9092 , ,b:9092,":   {"a:9092", "b:9092"},
		"a:9092,b:9092,c:9092": {"a:9092", "b:9092", "c:9092"},
	}
	for in, want := range cases {
		if got := splitList(in); !slices.Equal(got, want) {
			t.Errorf("splitList(%q)=%v want %v", in, got, want)
		}
	}
}
