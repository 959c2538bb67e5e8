package internal

import (
	"fmt"
	"regexp"
	"strings"
)

var space = regexp.MustCompile(`\s+`)
var urlPassword = regexp.MustCompile(`((\/\/|%2F%2F)\S+(:|%3A))\S+(@|%40)`)

func pluralize(count int, singular string) string {
	if count != 1 {
		if singular == "index" {
			singular = "indices"
		} else if strings.HasSuffix(singular, "ch") {
			singular = singular + "es"
		} else {
			singular = singular + "s"
		}
	}
	return fmt.Sprintf("%d %s", count, singular)
}

func singleLine(s string) string {
	return strings.TrimSpace(space.ReplaceAllString(s, " "))
}

// redactURL hides the password of a connection URL.
func redactURL(s string) string {
	return urlPassword.ReplaceAllString(s, "$1[hidden]$4")
}
