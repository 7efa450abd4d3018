package tunnel

import (
	"time"

	"github.com/yllada/tunnel-supervisor/common"
)

// NewBroker creates the platform broker with the consent provider named
// by mode. Unknown modes fall back to polkit.
func NewBroker(mode, action string, revokeInterval time.Duration) Broker {
	var consent ConsentProvider
	switch mode {
	case common.ConsentModeNone:
		consent = AlwaysConsent{}
	default:
		consent = NewPolkitConsent(action)
	}
	return NewLinuxBroker(consent, revokeInterval)
}
