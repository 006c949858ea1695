package sipmsg

import "net"

func parseIPLiteral(host string) bool {
	return net.ParseIP(host) != nil
}
