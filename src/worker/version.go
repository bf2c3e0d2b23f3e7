// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package worker

import "strings"

const (
	DefaultVersion = "v1"
	DefaultPrefix  = "cascache-cache"

	versionMarker      = "?version="
	versionPlaceholder = "{version}"
)

// ScopeVersion returns the text after the first "?version=" of a
// registration scope, or DefaultVersion.
func ScopeVersion(scope string) string {
	_, version, found := strings.Cut(scope, versionMarker)
	if !found || version == "" {
		return DefaultVersion
	}
	return version
}

// BucketName is unique per version and stable within one.
func BucketName(prefix, version string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "-" + version
}

// ExpandVersion replaces every {version} in template.
func ExpandVersion(template, version string) string {
	return strings.ReplaceAll(template, versionPlaceholder, version)
}

// CoreAssets expands the precache list for one version.
func CoreAssets(version string, templates []string) []string {
	assets := make([]string, 0, len(templates))
	for _, t := range templates {
		assets = append(assets, ExpandVersion(t, version))
	}
	return assets
}

// DefaultAssets mirrors the stock precache list.
func DefaultAssets() []string {
	return []string{
		"/?v={version}",
		"/index.html?v={version}",
		"/privacy-policy.html?v={version}",
		"/manifest.json?v={version}",
		"/assets/icons/apple-touch-icon.png?v={version}",
	}
}

// DefaultFallbacks are tried for offline navigations after the request itself.
func DefaultFallbacks() []string {
	return []string{
		"/index.html?v={version}",
		"/index.html",
	}
}
