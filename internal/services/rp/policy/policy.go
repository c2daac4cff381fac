// Package policy holds the per-client-platform ceremony policy: which
// authenticator attachment to request, which transports to assume when a
// credential declares none, and which origins are acceptable.
package policy

import (
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
)

// Platform identifies the client platform performing a ceremony.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// ParsePlatform normalizes a platform value, defaulting to web.
func ParsePlatform(value string) Platform {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(PlatformAndroid):
		return PlatformAndroid
	case string(PlatformIOS):
		return PlatformIOS
	default:
		return PlatformWeb
	}
}

// DetectPlatform resolves the platform for a request. An explicit platform
// parameter always wins; otherwise the user agent string decides.
func DetectPlatform(explicit string, userAgent string) Platform {
	if strings.TrimSpace(explicit) != "" {
		return ParsePlatform(explicit)
	}
	ua := strings.ToLower(userAgent)
	if strings.Contains(ua, "android") {
		return PlatformAndroid
	}
	if strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "ipod") {
		return PlatformIOS
	}
	return PlatformWeb
}

// DefaultTransports returns the transport order assumed for credentials
// that declared none during registration.
func DefaultTransports(platform Platform) []protocol.AuthenticatorTransport {
	switch platform {
	case PlatformAndroid:
		return []protocol.AuthenticatorTransport{
			protocol.Internal,
			protocol.Hybrid,
			protocol.NFC,
			protocol.BLE,
			protocol.USB,
		}
	case PlatformIOS:
		return []protocol.AuthenticatorTransport{
			protocol.Internal,
			protocol.Hybrid,
		}
	default:
		return []protocol.AuthenticatorTransport{
			protocol.Internal,
			protocol.Hybrid,
			protocol.USB,
			protocol.NFC,
			protocol.BLE,
		}
	}
}

// AuthenticatorSelection returns the selection criteria requested for
// registration ceremonies on the given platform. Mobile platforms pin the
// platform authenticator; web leaves the attachment open.
func AuthenticatorSelection(platform Platform) protocol.AuthenticatorSelection {
	selection := protocol.AuthenticatorSelection{
		RequireResidentKey: protocol.ResidentKeyNotRequired(),
		ResidentKey:        protocol.ResidentKeyRequirementPreferred,
		UserVerification:   protocol.VerificationPreferred,
	}
	switch platform {
	case PlatformAndroid, PlatformIOS:
		selection.AuthenticatorAttachment = protocol.Platform
	}
	return selection
}

// ValidOrigin reports whether origin is acceptable for the platform.
// Exact allow-list entries always pass; otherwise each platform admits
// only its native origin shape.
func ValidOrigin(origin string, platform Platform, allowed []string) bool {
	if strings.TrimSpace(origin) == "" {
		return false
	}
	for _, entry := range allowed {
		if origin == entry {
			return true
		}
	}
	switch platform {
	case PlatformAndroid:
		return strings.HasPrefix(origin, "android:apk-key-hash:")
	case PlatformIOS:
		return strings.HasPrefix(origin, "ios:bundle-id:")
	default:
		return strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://")
	}
}
