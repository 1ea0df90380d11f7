package cluster

import "testing"

func TestCandidateBeatsByPriority(t *testing.T) {
	a := Candidate{NodeName: "a", Priority: 20, StartTime: 100}
	b := Candidate{NodeName: "b", Priority: 10, StartTime: 50}
	if !a.Beats(b) {
		t.Fatal("higher priority must win regardless of startTime")
	}
	if b.Beats(a) {
		t.Fatal("lower priority must not beat higher priority")
	}
}

func TestCandidateBeatsByStartTimeWhenPriorityEqual(t *testing.T) {
	a := Candidate{NodeName: "a", Priority: 10, StartTime: 100}
	b := Candidate{NodeName: "b", Priority: 10, StartTime: 50}
	if a.Beats(b) {
		t.Fatal("later startTime must not beat earlier startTime")
	}
	if !b.Beats(a) {
		t.Fatal("earlier startTime must win on priority tie")
	}
}

func TestCandidateExactTieNeitherBeats(t *testing.T) {
	a := Candidate{NodeName: "a", Priority: 10, StartTime: 100}
	b := Candidate{NodeName: "b", Priority: 10, StartTime: 100}
	if a.Beats(b) || b.Beats(a) {
		t.Fatal("exact ties must not be resolved by Beats")
	}
	if !a.Tied(b) {
		t.Fatal("Tied must report true for exact ties")
	}
}

func TestElectionWinnerS1ThreeWaySymmetric(t *testing.T) {
	// S1: three nodes, identical priority 10, increasing startTime.
	a := Candidate{NodeName: "A", Priority: 10, StartTime: 1}
	b := Candidate{NodeName: "B", Priority: 10, StartTime: 2}
	c := Candidate{NodeName: "C", Priority: 10, StartTime: 3}
	winner, ok := ElectionWinner([]Candidate{a, b, c})
	if !ok {
		t.Fatal("distinct startTimes must yield a deterministic winner")
	}
	if winner.NodeName != "A" {
		t.Fatalf("winner = %s, want A (oldest)", winner.NodeName)
	}
}

func TestElectionWinnerS2BOlderThanC(t *testing.T) {
	// S2: after A crashes, B and C race; B (older) must win.
	b := Candidate{NodeName: "B", Priority: 10, StartTime: 2}
	c := Candidate{NodeName: "C", Priority: 10, StartTime: 3}
	winner, ok := ElectionWinner([]Candidate{b, c})
	if !ok || winner.NodeName != "B" {
		t.Fatalf("winner = %+v ok=%v, want B", winner, ok)
	}
}

func TestElectionWinnerReportsTieAtTop(t *testing.T) {
	a := Candidate{NodeName: "A", Priority: 10, StartTime: 100}
	b := Candidate{NodeName: "B", Priority: 10, StartTime: 100}
	_, ok := ElectionWinner([]Candidate{a, b})
	if ok {
		t.Fatal("an exact tie at the top must be reported as unresolved (ok=false)")
	}
}
