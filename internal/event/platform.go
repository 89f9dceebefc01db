package event

import (
	"regexp"
	"strings"
)

var (
	mobileUA  = regexp.MustCompile(`mobile|android|iphone|ipod|blackberry|windows phone|opera mini|iemobile`)
	tabletUA  = regexp.MustCompile(`tablet|ipad|playbook|silk|kindle`)
	desktopUA = regexp.MustCompile(`windows|macintosh|linux|x11`)
)

// DetectPlatform classifies a user-agent. Android tablets omit "mobile" and
// carry "tablet", so they are checked before the mobile pattern claims them.
func DetectPlatform(userAgent string) Platform {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return PlatformUnknown
	}
	if strings.Contains(ua, "android") && strings.Contains(ua, "tablet") {
		return PlatformTablet
	}
	if mobileUA.MatchString(ua) {
		return PlatformMobile
	}
	if tabletUA.MatchString(ua) {
		return PlatformTablet
	}
	if desktopUA.MatchString(ua) {
		return PlatformDesktop
	}
	return PlatformUnknown
}

// IsMobileUA reports whether the user-agent carries a phone token.
func IsMobileUA(userAgent string) bool {
	return mobileUA.MatchString(strings.ToLower(userAgent))
}
