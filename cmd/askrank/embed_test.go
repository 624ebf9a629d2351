package main

import (
	"testing"

	"github.com/civicq/askrank/internal/cluster"
)

func TestVerdict(t *testing.T) {
	th := cluster.Thresholds{Merge: 0.87, Review: 0.80}
	cases := []struct {
		sim  float64
		want cluster.Action
	}{
		{0.95, cluster.Merged},
		{0.87, cluster.Merged},
		{0.83, cluster.Review},
		{0.80, cluster.Review},
		{0.79, cluster.Singleton},
		{-1, cluster.Singleton},
	}
	for _, c := range cases {
		if got := verdict(th, c.sim); got != c.want {
			t.Errorf("verdict(%.2f) = %v, want %v", c.sim, got, c.want)
		}
	}
}
