package tcpstack

import "time"

// Config holds everything a Stack needs to open its raw endpoint and size
// its reliability engine. It is the tcpstack-side counterpart of the
// config package's YAML-loaded struct: config.ReadConfig reads the file
// into a config.Settings, and Settings.ToStackConfig fills in a Config
// from it (mirroring the teacher's
// config.AppConfig feeding lib.PcpCoreConfig/PcpProtocolConnConfig).
type Config struct {
	LocalAddr string // IPv4 address this Stack binds its raw socket to; NewStack rejects "" or an unparsable value with ErrAddr
	ProtocolID int   // IP protocol number carried in the IPv4 header (§3); 6 rides alongside the real TCP stack

	ClientPortLower int // inclusive lower bound of the ephemeral port pool used by Dial
	ClientPortUpper int // inclusive upper bound of the ephemeral port pool used by Dial

	PreferredMSS    int // caps Reliability's chunk size; 0 keeps the 1024-byte default (§9 supplemented feature)
	PayloadPoolSize int // warm size of the payload buffer pool; 0 keeps sync.Pool's lazy allocation

	PacketLossSimulation bool // randomly drops a percentage of outbound segments, exercising retransmission

	MinRTO time.Duration // floor for the RFC 6298 RTO estimator; 0 keeps the package default
	MaxRTO time.Duration // ceiling for the RFC 6298 RTO estimator; 0 keeps the package default

	RecvTimeout time.Duration // default Connection.Recv deadline; 0 blocks indefinitely
	SendTimeout time.Duration // default Connection.Send deadline; 0 blocks indefinitely
}

// DefaultConfig returns the same starting point as the teacher's
// pcpCoreConfig/pcpProtocolConnConfig constructors: a real TCP-numbered
// protocol, a generous ephemeral port range, and packet-loss simulation
// off.
func DefaultConfig() *Config {
	return &Config{
		ProtocolID:      6,
		ClientPortLower: 32768,
		ClientPortUpper: 60999,
		PreferredMSS:    maxChunkSize,
		PayloadPoolSize: 2000,
	}
}
