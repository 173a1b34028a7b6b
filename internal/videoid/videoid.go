// Package videoid extracts the canonical YouTube video id from the URL shapes
// clients report.
package videoid

import "regexp"

var pattern = regexp.MustCompile(`^.*(?:(?:youtu\.be/|v/|vi/|u/w/|embed/)|(?:(?:watch)?\?v(?:i)?=|\&v(?:i)?=))([^#\&\?]*).*`)

// Extract returns the id in url, or false when no known shape matches or the
// id is empty.
func Extract(url string) (string, bool) {
	m := pattern.FindStringSubmatch(url)
	if m == nil || m[1] == "" {
		return "", false
	}
	return m[1], true
}
