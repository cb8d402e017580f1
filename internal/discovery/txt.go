package discovery

import "strings"

// encodeTXT renders a key/value map as the strings dnsmessage.TXTResource
// expects: one "key=value" string per entry.
func encodeTXT(fields map[string]string) []string {
	out := make([]string, 0, len(fields))
	for k, v := range fields {
		out = append(out, k+"="+v)
	}
	return out
}

// decodeTXT parses "key=value" strings back into a map. Malformed entries
// (no '=') are skipped rather than treated as fatal, since TXT records
// come from the network and a single peer's malformed record should not
// break browsing for every other peer.
func decodeTXT(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		idx := strings.IndexByte(e, '=')
		if idx < 0 {
			continue
		}
		out[e[:idx]] = e[idx+1:]
	}
	return out
}
