package cloud

import (
	"time"

	"cloudmesh/pkg/types"
)

const (
	DefaultGetRequestTimeout = 3 * time.Second
	DefaultGetSweepInterval  = time.Second
)

// Config carries the tunables of one cloud server.
type Config struct {
	// MaxUploadBytesPerClient caps the running payload total per client;
	// 0 means unlimited. A post that would push a client past the cap is
	// dropped and the prior upload kept intact.
	MaxUploadBytesPerClient uint64

	// MaxBytesPerDownload caps the payload bytes of one get response;
	// 0 means unlimited. Rows are dropped whole once the cap is crossed.
	MaxBytesPerDownload uint64

	// ForceExternalAddress overrides the server address advertised in rows
	// for local uploads. Empty uses the transport's address.
	ForceExternalAddress types.Address

	// GetRequestTimeout bounds how long an aggregated get waits for peer
	// responses before answering with whatever arrived.
	GetRequestTimeout time.Duration

	// GetSweepInterval is how often the timeout sweep runs.
	GetSweepInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.GetRequestTimeout <= 0 {
		out.GetRequestTimeout = DefaultGetRequestTimeout
	}
	if out.GetSweepInterval <= 0 {
		out.GetSweepInterval = DefaultGetSweepInterval
	}
	return out
}
