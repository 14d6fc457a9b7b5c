package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"strconv"
	"strings"
)

// Order matters: Edge and Opera UAs also claim Chrome, Chrome claims Safari.
var browserFamilies = []struct{ token, family string }{
	{"edg/", "edge"},
	{"opr/", "opera"},
	{"firefox/", "firefox"},
	{"chrome/", "chrome"},
	{"crios/", "chrome"},
	{"safari/", "safari"},
	{"curl/", "curl"},
}

var osFamilies = []struct{ token, family string }{
	{"android", "android"},
	{"iphone", "ios"},
	{"ipad", "ios"},
	{"windows", "windows"},
	{"mac os x", "macos"},
	{"macintosh", "macos"},
	{"cros", "chromeos"},
	{"linux", "linux"},
}

func uaFamily(ua string, table []struct{ token, family string }) string {
	for _, e := range table {
		if strings.Contains(ua, e.token) {
			return e.family
		}
	}
	return "other"
}

// ipPrefix keeps only the first IPv4 octet or the first IPv6 hextet.
func ipPrefix(raw string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "unknown"
	}
	addr = addr.Unmap()
	if addr.Is4() {
		return strconv.Itoa(int(addr.As4()[0]))
	}
	b := addr.As16()
	return strconv.FormatUint(uint64(b[0])<<8|uint64(b[1]), 16)
}

// Fingerprint derives a deliberately coarse device identifier. Minor browser
// upgrades or moving within the same /8 do not change it.
func Fingerprint(d DeviceInfo) string {
	ua := strings.ToLower(d.UserAgent)
	src := uaFamily(ua, browserFamilies) + "|" + uaFamily(ua, osFamilies) + "|" + ipPrefix(d.IPAddress)
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])
}
