package filter

import "log"

type Filter interface {
	AddTcpClientFiltering(dstAddr string, dstPort int) error    // adds a TCP filtering rule on client side to block RST packets sent out to server.
	RemoveTcpClientFiltering(dstAddr string, dstPort int) error // removes a TCP filtering rule on client side to block RST packets sent out to server.
	AddTcpServerFiltering(srtAddr string, srtPort int) error    // adds a TCP filtering rule on server side to block RST packets sent from server's listening port.
	RemoveTcpServerFiltering(srtAddr string, srtPort int) error // removes a TCP filtering rule on server side to block RST packets sent from server's listening port.
	FinishFiltering() error                                     // flushes all rules and stop filtering.
}

// New probes the host for a usable firewall backend (iptables on Linux,
// PF on macOS; no other platform has one) via the platform's NewFilter and
// falls back to a no-op Filter when none is available — a missing
// firewall tool degrades RST suppression, it must never stop the stack
// from running.
func New(identifier string) Filter {
	f, err := newPlatformFilter(identifier)
	if err != nil {
		log.Printf("filter: no host firewall backend available (%v), RST suppression disabled", err)
		return noopFilter{}
	}
	return f
}

// noopFilter satisfies Filter on platforms or hosts where no firewall
// backend could be reached. The kernel's own TCP stack may still answer
// with RSTs on the filtered ports in that case; see New.
type noopFilter struct{}

func (noopFilter) AddTcpClientFiltering(dstAddr string, dstPort int) error    { return nil }
func (noopFilter) RemoveTcpClientFiltering(dstAddr string, dstPort int) error { return nil }
func (noopFilter) AddTcpServerFiltering(srtAddr string, srtPort int) error    { return nil }
func (noopFilter) RemoveTcpServerFiltering(srtAddr string, srtPort int) error { return nil }
func (noopFilter) FinishFiltering() error                                    { return nil }
