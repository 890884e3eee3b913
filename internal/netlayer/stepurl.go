package netlayer

import (
	"encoding/base64"
	"strings"
)

// EncodeStepURL renders a StepPath's string form ("/a/b/c") as
// forward-slash-separated, URL-safe base64 segments (spec.md §6 "URL
// encoding of StepPath"), so labels containing arbitrary characters
// still produce a valid, unambiguous URL path. client.go and
// server.go operate on the plain StepPath string form, not step.Path
// itself, so these helpers do too.
func EncodeStepURL(stepStr string) string {
	if stepStr == "/" || stepStr == "" {
		return ""
	}
	parts := strings.Split(strings.TrimPrefix(stepStr, "/"), "/")
	encoded := make([]string, len(parts))
	for i, seg := range parts {
		encoded[i] = base64.RawURLEncoding.EncodeToString([]byte(seg))
	}
	return strings.Join(encoded, "/")
}

// DecodeStepURL reverses EncodeStepURL, back to a StepPath string.
func DecodeStepURL(encoded string) (string, error) {
	if encoded == "" {
		return "/", nil
	}
	segs := strings.Split(encoded, "/")
	labels := make([]string, len(segs))
	for i, seg := range segs {
		label, err := base64.RawURLEncoding.DecodeString(seg)
		if err != nil {
			return "", err
		}
		labels[i] = string(label)
	}
	return "/" + strings.Join(labels, "/"), nil
}
