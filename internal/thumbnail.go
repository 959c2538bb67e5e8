package internal

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/h2non/filetype"
)

// thumbnailDataURL encodes an image as a data URL; non-image bytes are rejected.
func thumbnailDataURL(img []byte) (string, error) {
	if len(img) == 0 {
		return "", nil
	}

	// we only have to pass the file header = first 261 bytes
	head := img
	if len(head) > 261 {
		head = head[:261]
	}
	kind, err := filetype.Match(head)
	if err != nil {
		return "", err
	}
	if kind.MIME.Type != "image" {
		return "", fmt.Errorf("thumbnail is not an image")
	}

	return fmt.Sprintf("data:%s;base64,%s", kind.MIME.Value, base64.StdEncoding.EncodeToString(img)), nil
}

func thumbnailFromDataURL(s string) []byte {
	if !strings.HasPrefix(s, "data:") {
		return nil
	}
	i := strings.Index(s, ";base64,")
	if i < 0 {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(s[i+len(";base64,"):])
	if err != nil {
		return nil
	}
	return b
}

// stored thumbnails from older clients can be the literal string "undefined"
func cleanThumbnail(s string) string {
	if s == "undefined" || s == "null" {
		return ""
	}
	return s
}
