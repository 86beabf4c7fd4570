// Package tcpstack implements the core of TCP over IPv4 in user space, on
// top of a raw IP datagram endpoint. It reproduces a subset of RFC 793 and
// RFC 6298 without involving the host kernel's TCP stack: wire codecs for
// the IPv4 and TCP headers, a per-connection state machine, a reliability
// engine (sequence numbers, retransmission, RTT/RTO estimation, flow
// control), and a connection manager that demultiplexes inbound segments
// and drives outbound ones.
package tcpstack
