package detection

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	chromeVersion  = regexp.MustCompile(`chrome/(\d+)`)
	firefoxVersion = regexp.MustCompile(`firefox/(\d+)`)
	detailedUA     = regexp.MustCompile(`\d+\.\d+\.\d+`)
)

// AnalyzeUserAgent performs user-agent string analysis
func AnalyzeUserAgent(userAgent string) UAAnalysis {
	analysis := UAAnalysis{
		Length:             len(userAgent),
		AutomationKeywords: []string{},
	}

	lowerUA := strings.ToLower(userAgent)

	automationKeywords := []string{
		"headless", "selenium", "webdriver", "puppeteer",
		"playwright", "phantom", "jsdom", "nightmare",
		"automated", "bot", "crawler",
	}
	for _, keyword := range automationKeywords {
		if strings.Contains(lowerUA, keyword) {
			analysis.ContainsAutomation = true
			analysis.AutomationKeywords = append(analysis.AutomationKeywords, keyword)
		}
	}

	analysis.Platform = extractPlatform(lowerUA)
	analysis.Browser = extractBrowser(lowerUA)
	switch analysis.Browser {
	case "Chrome":
		analysis.MajorVersion = majorVersion(chromeVersion, lowerUA)
	case "Firefox":
		analysis.MajorVersion = majorVersion(firefoxVersion, lowerUA)
	}
	return analysis
}

// IsDetailedUA reports a long user-agent carrying a dotted x.y.z version.
func IsDetailedUA(userAgent string) bool {
	return len(userAgent) > 50 && detailedUA.MatchString(userAgent)
}

func majorVersion(re *regexp.Regexp, lowerUA string) int {
	m := re.FindStringSubmatch(lowerUA)
	if len(m) < 2 {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// extractPlatform extracts platform information from user-agent string
func extractPlatform(lowerUA string) string {
	// Check mobile platforms first (iOS UAs contain "Mac OS X")
	if strings.Contains(lowerUA, "iphone") || strings.Contains(lowerUA, "ipad") {
		return "iOS"
	} else if strings.Contains(lowerUA, "android") {
		return "Android"
	} else if strings.Contains(lowerUA, "windows") {
		return "Windows"
	} else if strings.Contains(lowerUA, "mac") {
		return "macOS"
	} else if strings.Contains(lowerUA, "linux") {
		return "Linux"
	}
	return ""
}

// extractBrowser extracts browser information from user-agent string
func extractBrowser(lowerUA string) string {
	if strings.Contains(lowerUA, "edg/") || strings.Contains(lowerUA, "edge") {
		return "Edge"
	} else if strings.Contains(lowerUA, "opr/") {
		return "Opera"
	} else if strings.Contains(lowerUA, "chrome") {
		return "Chrome"
	} else if strings.Contains(lowerUA, "firefox") {
		return "Firefox"
	} else if strings.Contains(lowerUA, "safari") {
		return "Safari"
	}
	return ""
}
