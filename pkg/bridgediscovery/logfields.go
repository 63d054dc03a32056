// Package bridgediscovery: component names used to tag log events.
// Components log through zerolog.Ctx(ctx), so the caller decides where the
// output goes and at which level; these values fill the "component" field.
package bridgediscovery

import (
	"context"

	"github.com/rs/zerolog"
)

// Component names, one per discovery strategy or subsystem.
const (
	ComponentDiscovery   = "discovery"
	ComponentPermission  = "permission"
	ComponentProbe       = "probe"
	ComponentSubnet      = "subnet"
	ComponentMDNS        = "mdns"
	ComponentSSDP        = "ssdp"
	ComponentAnnounce    = "announce"
	ComponentCloud       = "cloud"
	ComponentValidator   = "validator"
	ComponentHWAddr      = "hwaddr"
	ComponentConnection  = "connection"
	ComponentReachable   = "reachability"
	ComponentCredentials = "credentials"
)

// MethodComponent returns the component name for a discovery method.
func MethodComponent(method DiscoveryMethod) string {
	switch method {
	case MethodService:
		return ComponentAnnounce
	case MethodSubnetScan:
		return ComponentSubnet
	case MethodCloud:
		return ComponentCloud
	default:
		return ComponentDiscovery
	}
}

// Logger returns the context logger tagged with component.
func Logger(ctx context.Context, component string) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("component", component).Logger()
	return &l
}
