package cluster

import "testing"

func TestComputeQuorum(t *testing.T) {
	cases := []struct {
		name       string
		n, minimum, l int
		want       Quorum
	}{
		{"N even, L above minimum", 4, 2, 3, QuorumPresent},
		{"N even, L at minimum", 4, 2, 2, QuorumPresent},
		{"N even, L below minimum", 4, 2, 1, QuorumLost},
		{"N odd, L above minimum", 3, 1, 2, QuorumPresent},
		{"N odd, L at minimum", 3, 1, 1, QuorumOnEdge},
		{"N odd, L below minimum", 3, 1, 0, QuorumLost},
		{"N=1 (odd), L=0 at minimum", 1, 0, 0, QuorumOnEdge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeQuorum(tc.n, tc.minimum, tc.l)
			if got != tc.want {
				t.Fatalf("ComputeQuorum(%d,%d,%d) = %v, want %v", tc.n, tc.minimum, tc.l, got, tc.want)
			}
		})
	}
}

func TestQuorumMinimum(t *testing.T) {
	cases := map[int]int{0: 0, 1: 0, 2: 1, 3: 1, 4: 2, 5: 2}
	for n, want := range cases {
		if got := QuorumMinimum(n); got != want {
			t.Fatalf("QuorumMinimum(%d) = %d, want %d", n, got, want)
		}
	}
}
