package internal

import "log/slog"

// SlogAddr4 packs an IPv4 address into a uint64 attribute, avoiding the
// string allocation of a formatted address on hot logging paths.
func SlogAddr4(key string, addr *[4]byte) slog.Attr {
	v := uint64(addr[0])<<24 | uint64(addr[1])<<16 | uint64(addr[2])<<8 | uint64(addr[3])
	return slog.Uint64(key, v)
}
