package inspector

import "net"

func listenPacket(addr string) (net.PacketConn, error) {
	return net.ListenPacket("udp", addr)
}
