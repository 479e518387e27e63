// Package util contains small helpers shared by the voxrelay packages and
// their tests.
package util

import "strings"

// MakeWsURL converts an http(s) URL into the corresponding ws(s) URL.
func MakeWsURL(url string) string {
	return "ws" + strings.TrimPrefix(url, "http")
}
