// Package netstack holds the types shared by every layer of the kernel
// network stack: the interface descriptor, protocol identifiers, the
// error values surfaced to the socket layer, and the interfaces of the
// collaborators the stack drives (network driver, address resolution).
//
// Layer structure:
//   - Layer 2 (Link): Ethernet frames, ARP cache
//   - Layer 3 (Network): IPv4, ICMP
//   - Layer 4 (Transport): TCP (client connections), UDP
//   - Socket layer: descriptors, listen queues, prepared packets
//
// Ingress runs driver -> ethernet -> ip -> transport, each layer tagging
// its header offset on the shared packet buffer. Egress runs the other
// way: a transport asks the layer below for a buffer sized for its own
// header plus the payload, the caller fills the payload, and finalize
// writes the headers back down to the driver.
package netstack
