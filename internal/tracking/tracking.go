// Package tracking correlates outgoing emails with an external open-tracking
// service. Each sent email carries a deterministic tracking ID and a 1x1
// pixel pointing at the tracker; the tracker records opens and serves
// per-campaign stats back to the API.
package tracking

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MintID produces a tracking identifier for one email. The ID embeds the
// campaign, recipient username and send date so it stays meaningful in the
// tracker's logs, plus a short digest to keep same-day re-sends distinct.
func MintID(campaign, username string, now time.Time) string {
	date := now.UTC().Format("2006-01-02")
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%d", campaign, username, now.UnixNano())))
	return fmt.Sprintf("%s_%s_%s_%s", campaign, username, date, hex.EncodeToString(sum[:])[:6])
}

// PixelURL builds the open-tracking pixel URL for a single email.
func PixelURL(baseURL, id, campaign, username, recipientEmail string) string {
	q := url.Values{}
	q.Set("id", id)
	q.Set("campaign", campaign)
	q.Set("username", username)
	q.Set("recipient_email", recipientEmail)
	return strings.TrimRight(baseURL, "/") + "/track/open?" + q.Encode()
}

// InjectPixel appends an invisible tracking image to an HTML email body.
// If the body has a closing </body> tag the pixel goes just before it,
// otherwise it is appended at the end.
func InjectPixel(body, baseURL, id, campaign, username, recipientEmail string) string {
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none">`,
		PixelURL(baseURL, id, campaign, username, recipientEmail))

	lower := strings.ToLower(body)
	if idx := strings.LastIndex(lower, "</body>"); idx >= 0 {
		return body[:idx] + pixel + body[idx:]
	}
	return body + pixel
}
