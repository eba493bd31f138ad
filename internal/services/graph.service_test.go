package services

import (
	"reflect"
	"testing"

	"shellac/internal/models"
)

func TestAppendRefEdges(t *testing.T) {
	refs := []models.Ref{
		{ID: "2", Name: "Member A"},
		{ID: "", Name: "id-less ref"},
		{ID: "3", Name: "Member B"},
	}

	edges := appendRefEdges(nil, "1", refs)

	expected := []map[string]any{
		{"from": "1", "to": "2", "name": "Member A"},
		{"from": "1", "to": "3", "name": "Member B"},
	}
	if !reflect.DeepEqual(edges, expected) {
		t.Errorf("edges = %v, want %v", edges, expected)
	}
}

func TestAppendNameEdges(t *testing.T) {
	edges := appendNameEdges(nil, "10", []string{"Electronic", "", "Jazz"})

	expected := []map[string]any{
		{"from": "10", "name": "Electronic"},
		{"from": "10", "name": "Jazz"},
	}
	if !reflect.DeepEqual(edges, expected) {
		t.Errorf("edges = %v, want %v", edges, expected)
	}
}

func TestAppendTaxonomyEdges(t *testing.T) {
	edges := appendTaxonomyEdges(nil, []string{"Electronic", "Rock"}, []string{"Ambient", "Techno"})

	// Styles attach to the primary genre only.
	expected := []map[string]any{
		{"style": "Ambient", "genre": "Electronic"},
		{"style": "Techno", "genre": "Electronic"},
	}
	if !reflect.DeepEqual(edges, expected) {
		t.Errorf("edges = %v, want %v", edges, expected)
	}
}

func TestAppendTaxonomyEdgesNoGenres(t *testing.T) {
	if edges := appendTaxonomyEdges(nil, nil, []string{"Ambient"}); edges != nil {
		t.Errorf("expected no edges without a genre, got %v", edges)
	}
}
