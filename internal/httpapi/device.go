package httpapi

import (
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/mssola/useragent"

	"geoattend/internal/attendance"
)

const maxUserAgent = 512

// deviceFrom extracts diagnostic client metadata from the request.
func deviceFrom(c *gin.Context) attendance.Device {
	raw := truncateUTF8(strings.ToValidUTF8(c.GetHeader("User-Agent"), ""), maxUserAgent)
	d := attendance.Device{UserAgent: raw, IPAddress: c.ClientIP()}
	if raw == "" {
		return d
	}
	ua := useragent.New(raw)
	d.Platform = ua.Platform()
	d.OS = ua.OS()
	name, version := ua.Browser()
	d.Browser = strings.TrimSpace(name + " " + version)
	return d
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
