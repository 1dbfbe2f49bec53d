package trace

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/manolodd/opensimmpls-sub003/events"
	"github.com/manolodd/opensimmpls-sub003/model"
)

const (
	pcapSnapLen = 262144

	// First unreserved MPLS label value.
	firstLabel = 16

	senderPort   = 49152
	receiverPort = 80
)

// PcapWriter captures packets as Ethernet frames in a pcap stream, stamped
// with their simulated instant. As an events.Handler it writes the packets
// of the event kinds it was created for; by default the packets delivered
// to receivers.
type PcapWriter struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	closer  io.Closer
	kinds   map[events.Kind]bool
	written int
	err     error
}

// NewPcapWriter writes the pcap file header to w.
func NewPcapWriter(w io.Writer, kinds ...events.Kind) (*PcapWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	if len(kinds) == 0 {
		kinds = []events.Kind{events.PacketReceived}
	}
	set := make(map[events.Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return &PcapWriter{w: pw, kinds: set}, nil
}

// CreatePcap creates the file at path and writes its header.
func CreatePcap(path string, kinds ...events.Kind) (*PcapWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pcap: %w", err)
	}
	pw, err := NewPcapWriter(f, kinds...)
	if err != nil {
		f.Close()
		return nil, err
	}
	pw.closer = f
	return pw, nil
}

// Handle writes the packet carried by ev. The first failure is kept and
// later packets are ignored; see Err.
func (p *PcapWriter) Handle(ev events.Event) {
	if !p.kinds[ev.Kind] {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return
	}
	p.err = p.writeLocked(ev.Packet, time.Unix(0, int64(ev.Instant)))
}

// WritePacket encodes pk and appends it to the capture.
func (p *PcapWriter) WritePacket(pk model.Packet, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(pk, at)
}

func (p *PcapWriter) writeLocked(pk model.Packet, at time.Time) error {
	data, err := EncodePacket(pk)
	if err != nil {
		return err
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     at,
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := p.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("pcap: write packet %d: %w", pk.ID, err)
	}
	p.written++
	return nil
}

// Written returns the number of packets captured.
func (p *PcapWriter) Written() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

// Err returns the first write failure, if any.
func (p *PcapWriter) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close closes the underlying file when the writer created it.
func (p *PcapWriter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closer == nil {
		return p.err
	}
	err := p.closer.Close()
	p.closer = nil
	if p.err != nil {
		return p.err
	}
	return err
}

// EncodePacket renders a simulated packet as an Ethernet frame: an MPLS
// label stack when labelled, then IPv4 and TCP with a zeroed payload of
// the packet's size. The GoS level travels in the IP precedence bits and
// the MPLS traffic class.
func EncodePacket(pk model.Packet) ([]byte, error) {
	src := ipv4(pk.Source)
	dst := ipv4(pk.Destination)

	eth := &layers.Ethernet{
		SrcMAC:       mac(src),
		DstMAC:       mac(dst),
		EthernetType: layers.EthernetTypeIPv4,
	}
	stack := []gopacket.SerializableLayer{eth}
	if pk.Labels > 0 {
		eth.EthernetType = layers.EthernetTypeMPLSUnicast
		for i := 0; i < pk.Labels; i++ {
			stack = append(stack, &layers.MPLS{
				Label:        uint32(firstLabel + i),
				TrafficClass: uint8(pk.GoS),
				StackBottom:  i == pk.Labels-1,
				TTL:          64,
			})
		}
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      uint8(pk.GoS) << 5,
		Id:       uint16(pk.ID),
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src,
		DstIP:    dst,
	}
	tcp := &layers.TCP{
		SrcPort: senderPort,
		DstPort: receiverPort,
		Seq:     uint32(pk.ID),
		PSH:     true,
		ACK:     true,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("pcap: %w", err)
	}
	payload := pk.Payload
	if payload < 0 {
		payload = 0
	}
	stack = append(stack, ip, tcp, gopacket.Payload(make([]byte, payload)))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, fmt.Errorf("pcap: encode packet %d: %w", pk.ID, err)
	}
	return buf.Bytes(), nil
}

func ipv4(addr string) net.IP {
	if ip := net.ParseIP(addr).To4(); ip != nil {
		return ip
	}
	return net.IPv4zero.To4()
}

// mac derives a locally administered address from an IPv4 address.
func mac(ip net.IP) net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x00, ip[0], ip[1], ip[2], ip[3]}
}
