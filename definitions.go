package ipstack

import "strconv"

// IPProto represents the IP protocol number carried in the IPv4 header's
// protocol field. Only the protocols this stack can be asked to demultiplex
// are enumerated; any other value is still a valid IPProto.
type IPProto uint8

// IP protocol numbers.
const (
	IPProtoICMP    IPProto = 1   // Internet Control Message [RFC792]
	IPProtoIGMP    IPProto = 2   // Internet Group Management [RFC1112]
	IPProtoIPv4    IPProto = 4   // IPv4 encapsulation [RFC2003]
	IPProtoTCP     IPProto = 6   // Transmission Control [RFC793]
	IPProtoUDP     IPProto = 17  // User Datagram [RFC768]
	IPProtoRDP     IPProto = 27  // Reliable Data Protocol [RFC908]
	IPProtoDCCP    IPProto = 33  // Datagram Congestion Control Protocol [RFC4340]
	IPProtoIPv6    IPProto = 41  // IPv6 encapsulation [RFC2473]
	IPProtoGRE     IPProto = 47  // Generic Routing Encapsulation [RFC2784]
	IPProtoESP     IPProto = 50  // Encap Security Payload [RFC4303]
	IPProtoAH      IPProto = 51  // Authentication Header [RFC4302]
	IPProtoOSPF    IPProto = 89  // OSPFIGP
	IPProtoSCTP    IPProto = 132 // Stream Control Transmission Protocol
	IPProtoUDPLite IPProto = 136 // UDPLite
)

func (proto IPProto) String() string {
	switch proto {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoIGMP:
		return "IGMP"
	case IPProtoIPv4:
		return "IPv4"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	case IPProtoRDP:
		return "RDP"
	case IPProtoDCCP:
		return "DCCP"
	case IPProtoIPv6:
		return "IPv6"
	case IPProtoGRE:
		return "GRE"
	case IPProtoESP:
		return "ESP"
	case IPProtoAH:
		return "AH"
	case IPProtoOSPF:
		return "OSPF"
	case IPProtoSCTP:
		return "SCTP"
	case IPProtoUDPLite:
		return "UDPLite"
	}
	return "IPProto(" + strconv.Itoa(int(proto)) + ")"
}

const (
	// SizeHeaderIPv4 is the size of an IPv4 header with no options.
	SizeHeaderIPv4 = 20
	// SizeHeaderTCP is the size of a TCP header with no options.
	SizeHeaderTCP = 20
	// SizeHeaderIPv4TCP is the combined size of back-to-back optionless IPv4 and TCP headers.
	SizeHeaderIPv4TCP = SizeHeaderIPv4 + SizeHeaderTCP
)
