package discovery

import (
	"testing"

	"github.com/miekg/dns"
)

func srv(priority, weight, port uint16, target string) *dns.SRV {
	return &dns.SRV{Priority: priority, Weight: weight, Port: port, Target: target}
}

func TestPickBestSRVPrefersLowestPriority(t *testing.T) {
	answers := []dns.RR{
		srv(20, 0, 9001, "b1.example.com."),
		srv(10, 0, 9002, "b2.example.com."),
	}
	best := pickBestSRV(answers)
	if best == nil || best.Target != "b2.example.com." {
		t.Fatalf("expected the priority-10 record, got %#v", best)
	}
}

func TestPickBestSRVBreaksTiesOnWeight(t *testing.T) {
	answers := []dns.RR{
		srv(10, 5, 9001, "low.example.com."),
		srv(10, 50, 9002, "high.example.com."),
	}
	best := pickBestSRV(answers)
	if best == nil || best.Target != "high.example.com." {
		t.Fatalf("expected the higher-weight record, got %#v", best)
	}
}

func TestPickBestSRVIgnoresNonSRVRecords(t *testing.T) {
	answers := []dns.RR{
		&dns.A{},
		srv(10, 0, 9001, "only.example.com."),
	}
	best := pickBestSRV(answers)
	if best == nil || best.Target != "only.example.com." {
		t.Fatalf("expected the sole SRV record, got %#v", best)
	}
}

func TestPickBestSRVEmptyReturnsNil(t *testing.T) {
	if pickBestSRV(nil) != nil {
		t.Fatal("expected nil for an empty answer set")
	}
}
