// Package discovery implements SPEC_FULL.md §4.10: resolving a bare peer
// name to a host-address via a "_peer._tcp.<name>" SRV lookup, for
// deployments that publish peer addresses in DNS rather than (or in
// addition to) the static directory cache. Grounded on the teacher's own
// github.com/miekg/dns usage in service/gns/dns.go (dns.Msg + dns.Exchange),
// substituting SRV question type for its GNS/DNS ANY-record queries.
package discovery

import (
	"errors"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// ErrNoSRVRecords is returned when the SRV query succeeds but returns no
// usable records.
var ErrNoSRVRecords = errors.New("discovery: no SRV records found")

// Resolver looks peer names up against one DNS server.
type Resolver struct {
	Server string // "host:53"
}

// NewResolver returns a Resolver querying server ("host:53" or "host",
// in which case port 53 is assumed).
func NewResolver(server string) *Resolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &Resolver{Server: server}
}

// Lookup resolves "_peer._tcp.<name>" to a "host:port" home address,
// picking the lowest-priority (then highest-weight) SRV record the way a
// client normally prefers the server's advertised primary instance.
func (r *Resolver) Lookup(name string) (hostAddr string, err error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fmt.Sprintf("_peer._tcp.%s", name)), dns.TypeSRV)
	m.RecursionDesired = true

	in, err := dns.Exchange(m, r.Server)
	if err != nil {
		return "", err
	}
	best := pickBestSRV(in.Answer)
	if best == nil {
		return "", ErrNoSRVRecords
	}
	target := best.Target
	if len(target) > 0 && target[len(target)-1] == '.' {
		target = target[:len(target)-1]
	}
	return net.JoinHostPort(target, fmt.Sprintf("%d", best.Port)), nil
}

// pickBestSRV picks the lowest-priority, highest-weight SRV record from
// a set of answer records, ignoring any non-SRV records mixed in.
func pickBestSRV(answers []dns.RR) *dns.SRV {
	var best *dns.SRV
	for _, rr := range answers {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		if best == nil || srv.Priority < best.Priority ||
			(srv.Priority == best.Priority && srv.Weight > best.Weight) {
			best = srv
		}
	}
	return best
}
