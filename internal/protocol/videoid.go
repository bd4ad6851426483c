package protocol

import (
	"errors"
	"regexp"
	"strings"
)

var ErrInvalidVideoID = errors.New("invalid YouTube video ID or URL")

var (
	bareVideoID    = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)
	videoIDPattern = []*regexp.Regexp{
		regexp.MustCompile(`[?&]v=([a-zA-Z0-9_-]{11})`),
		regexp.MustCompile(`youtu\.be/([a-zA-Z0-9_-]{11})`),
		regexp.MustCompile(`youtube\.com/live/([a-zA-Z0-9_-]{11})`),
	}
)

// ExtractVideoID accepts a bare 11-character ID, a watch URL with ?v=, a
// youtu.be short link or a youtube.com/live link.
func ExtractVideoID(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrInvalidVideoID
	}
	if bareVideoID.MatchString(s) {
		return s, nil
	}
	for _, re := range videoIDPattern {
		if m := re.FindStringSubmatch(s); m != nil {
			return m[1], nil
		}
	}
	return "", ErrInvalidVideoID
}
