// Package version holds the tool version.
package version

// Version is the current release of fortigate-cert-rotate.
const Version = "1.0.0"
