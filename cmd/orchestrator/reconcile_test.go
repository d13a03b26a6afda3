package main

import (
	"testing"

	"github.com/splax/localvercel/internal/domain"
)

func TestParseRef(t *testing.T) {
	ref, err := parseRef("database:db-1")
	if err != nil || ref != (domain.TargetRef{Kind: domain.KindDatabase, ID: "db-1"}) {
		t.Fatalf("unexpected ref %v err %v", ref, err)
	}
	for _, raw := range []string{"", "db-1", "volume:x", "service:"} {
		if _, err := parseRef(raw); err == nil {
			t.Errorf("%q: expected error", raw)
		}
	}
}
