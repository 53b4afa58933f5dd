package discovery

// Scope controls who may discover the local device.
type Scope string

const (
	// ScopeAll makes the device visible to every peer on the LAN.
	ScopeAll Scope = "all"
	// ScopeGroup restricts visibility to the device's group.
	ScopeGroup Scope = "group"
	// ScopeNone unpublishes the local record; browsing keeps working.
	ScopeNone Scope = "none"
)

// DeviceInfo describes a discovered peer.
type DeviceInfo struct {
	Name          string
	UserID        string
	IP            string
	Port          int
	AvatarURL     string
	DeviceName    string
	GroupID       string
	DiscoverScope Scope
}

// Key returns the identity key. The same account may run on several devices
// and the announced service name is not guaranteed unique, so peers are
// keyed by (userID, ip) rather than by instance name.
func (d DeviceInfo) Key() string {
	return d.UserID + "|" + d.IP
}

func normalizeScope(scope Scope) Scope {
	switch scope {
	case ScopeAll, ScopeGroup, ScopeNone:
		return scope
	default:
		return ScopeAll
	}
}
