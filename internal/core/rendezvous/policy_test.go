package rendezvous

import (
	"testing"

	"github.com/google/uuid"
)

func testCandidates(n int) []*Registration {
	regs := make([]*Registration, n)
	for i := range regs {
		regs[i] = testRegistration(byte(i+1), uuid.New())
	}
	return regs
}

func TestPolicyByName(t *testing.T) {
	tests := []struct {
		name     string
		wantName string
		wantErr  bool
	}{
		{name: "first", wantName: "first"},
		{name: "", wantName: "first"}, // 空名称使用默认策略
		{name: "random", wantName: "random"},
		{name: "round-robin", wantName: "round-robin"},
		{name: "bogus", wantErr: true},
	}

	for _, tt := range tests {
		policy, err := PolicyByName(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("PolicyByName(%q) expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("PolicyByName(%q) error = %v", tt.name, err)
			continue
		}
		if policy.Name() != tt.wantName {
			t.Errorf("PolicyByName(%q).Name() = %q, want %q", tt.name, policy.Name(), tt.wantName)
		}
	}
}

func TestFirstRegistered(t *testing.T) {
	regs := testCandidates(3)
	policy := FirstRegistered{}

	for i := 0; i < 5; i++ {
		if got := policy.Select(regs); got != regs[0] {
			t.Fatalf("Select() = %v, want first registration", got)
		}
	}
}

func TestRandomSelectsFromCandidates(t *testing.T) {
	regs := testCandidates(4)
	policy := NewRandom()

	seen := make(map[*Registration]bool)
	for i := 0; i < 200; i++ {
		got := policy.Select(regs)

		found := false
		for _, r := range regs {
			if got == r {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("Select() returned registration outside candidate set")
		}
		seen[got] = true
	}

	// 200 次均匀抽样后没有覆盖全部 4 个候选的概率可以忽略
	if len(seen) != len(regs) {
		t.Errorf("Select() covered %d candidates, want %d", len(seen), len(regs))
	}
}

func TestRoundRobinCycles(t *testing.T) {
	regs := testCandidates(3)
	policy := &RoundRobin{}

	for round := 0; round < 3; round++ {
		for i := range regs {
			if got := policy.Select(regs); got != regs[i] {
				t.Fatalf("round %d pick %d = %v, want regs[%d]", round, i, got, i)
			}
		}
	}

	t.Run("候选列表缩小后不越界", func(t *testing.T) {
		shrunk := regs[:1]
		for i := 0; i < 4; i++ {
			if got := policy.Select(shrunk); got != shrunk[0] {
				t.Fatalf("Select() = %v, want sole candidate", got)
			}
		}
	})
}
