package connections

import (
	"context"
	"fmt"
	"time"

	"github.com/teemow/mailboxauth/internal/logging"
	"github.com/teemow/mailboxauth/internal/storage"
)

const setupPingTimeout = 2 * time.Second

// SetupReport tells whether the running configuration can serve the stored
// connections.
type SetupReport struct {
	Ready               bool     `json:"ready"`
	StorageOK           bool     `json:"storage_ok"`
	EncryptionKeyOK     bool     `json:"encryption_key_ok"`
	ActiveConnections   int      `json:"active_connections"`
	InactiveConnections int      `json:"inactive_connections"`
	Issues              []string `json:"issues,omitempty"`
}

// CheckSetup pings storage and verifies that the encryption key opens every
// stored access token. It never contacts the provider.
func (m *Manager) CheckSetup(ctx context.Context) *SetupReport {
	report := &SetupReport{}

	pingCtx, cancel := context.WithTimeout(ctx, setupPingTimeout)
	err := m.repo.Ping(pingCtx)
	cancel()
	if err != nil {
		m.logger.Warn("setup check: storage unreachable", logging.Err(err))
		report.Issues = append(report.Issues, "storage is unreachable: "+err.Error())
		return report
	}
	report.StorageOK = true

	conns, err := m.repo.ListConnections(ctx, storage.ConnectionFilter{IncludeInactive: true})
	if err != nil {
		report.StorageOK = false
		report.Issues = append(report.Issues, "cannot list connections: "+err.Error())
		return report
	}

	undecryptable := 0
	for _, conn := range conns {
		if conn.IsActive {
			report.ActiveConnections++
		} else {
			report.InactiveConnections++
		}
		if _, err := m.encryptor.DecryptString(conn.EncryptedAccessToken); err != nil {
			undecryptable++
		}
	}
	report.EncryptionKeyOK = undecryptable == 0
	if undecryptable > 0 {
		report.Issues = append(report.Issues, fmt.Sprintf(
			"encryption key cannot decrypt %d of %d stored connections; was the key rotated?", undecryptable, len(conns)))
	}

	report.Ready = report.StorageOK && report.EncryptionKeyOK
	return report
}
