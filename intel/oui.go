package intel

import "strings"

// ouiVendors maps the first three octets of a MAC address to the registered
// vendor. The table is a small embedded subset covering the most common
// assignments; unknown prefixes resolve to the empty string.
var ouiVendors = map[string]string{
	"00:00:0c": "Cisco Systems",
	"00:01:42": "Cisco Systems",
	"00:03:93": "Apple",
	"00:05:02": "Apple",
	"00:0c:29": "VMware",
	"00:0d:3a": "Microsoft",
	"00:15:5d": "Microsoft Hyper-V",
	"00:16:3e": "Xen",
	"00:1a:11": "Google",
	"00:1b:63": "Apple",
	"00:25:90": "Super Micro",
	"00:50:56": "VMware",
	"00:e0:4c": "Realtek",
	"08:00:27": "Oracle VirtualBox",
	"18:03:73": "Dell",
	"28:6f:b9": "Nokia",
	"3c:5a:b4": "Google",
	"44:38:39": "Cumulus Networks",
	"52:54:00": "QEMU/KVM",
	"54:52:00": "QEMU/KVM",
	"8c:85:90": "Apple",
	"a4:83:e7": "Apple",
	"ac:de:48": "Private",
	"b8:27:eb": "Raspberry Pi Foundation",
	"d8:3a:dd": "Raspberry Pi Trading",
	"dc:a6:32": "Raspberry Pi Trading",
	"e4:5f:01": "Raspberry Pi Trading",
	"f0:18:98": "Apple",
	"f4:f5:e8": "Google",
	"f8:ff:c2": "Apple",
}

// MACVendor returns the OUI vendor for a canonical lowercase colon-separated
// MAC address, or the empty string when the prefix is unknown
func MACVendor(mac string) string {
	if len(mac) < 8 {
		return ""
	}
	return ouiVendors[strings.ToLower(mac[:8])]
}
