package chunk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
)

// fixChecksum recomputes the CRC32c of a hand-mangled datagram.
func fixChecksum(raw []byte) {
	binary.LittleEndian.PutUint32(raw[8:], 0)
	binary.LittleEndian.PutUint32(raw[8:], crc32.Checksum(raw, castagnoli))
}

func marshalOne(t *testing.T, chunks ...Chunk) []byte {
	t.Helper()
	p := &Packet{
		SourcePort:      5000,
		DestinationPort: 5000,
		VerificationTag: 0x01020304,
		Chunks:          chunks,
	}
	raw, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	return raw
}

func unmarshalOne(t *testing.T, raw []byte) *Packet {
	t.Helper()
	p := &Packet{}
	if err := p.Unmarshal(raw); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	return p
}

func TestPacketRoundtripData(t *testing.T) {
	in := &Data{
		Unordered: true,
		Begin:     true,
		End:       false,
		TSN:       0xFFFFFFFF,
		StreamID:  42,
		StreamSeq: 7,
		PPID:      53,
		UserData:  []byte("hello world"),
	}

	p := unmarshalOne(t, marshalOne(t, in))
	if p.VerificationTag != 0x01020304 {
		t.Errorf("verification tag = %x, want 01020304", p.VerificationTag)
	}
	if len(p.Chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(p.Chunks))
	}
	out, ok := p.Chunks[0].(*Data)
	if !ok {
		t.Fatalf("chunk type = %T, want *Data", p.Chunks[0])
	}
	if !out.Unordered || !out.Begin || out.End {
		t.Errorf("flags = %v/%v/%v, want true/true/false", out.Unordered, out.Begin, out.End)
	}
	if out.TSN != in.TSN || out.StreamID != in.StreamID || out.StreamSeq != in.StreamSeq || out.PPID != in.PPID {
		t.Errorf("header mismatch: %v", out)
	}
	if !bytes.Equal(out.UserData, in.UserData) {
		t.Errorf("user data = %q, want %q", out.UserData, in.UserData)
	}
}

func TestPacketUserDataCopied(t *testing.T) {
	raw := marshalOne(t, &Data{TSN: 1, UserData: []byte("abcd"), Begin: true, End: true})
	p := unmarshalOne(t, raw)

	// decoded chunks may outlive the datagram buffer
	copy(raw, bytes.Repeat([]byte{0xFF}, len(raw)))

	out := p.Chunks[0].(*Data)
	if !bytes.Equal(out.UserData, []byte("abcd")) {
		t.Errorf("user data aliases the datagram buffer: %q", out.UserData)
	}
}

func TestPacketRoundtripInit(t *testing.T) {
	in := &Init{}
	in.InitiateTag = 0xAABBCCDD
	in.AdvertisedRwnd = 1 << 20
	in.OutboundStreams = 65535
	in.InboundStreams = 65535
	in.InitialTSN = 12345
	in.Params = []Param{
		{Type: ParamForwardTSNSupported},
		{Type: ParamSupportedExtensions, Value: []byte{uint8(TypeForwardTSN), uint8(TypeReconfig)}},
	}

	p := unmarshalOne(t, marshalOne(t, in))
	out, ok := p.Chunks[0].(*Init)
	if !ok {
		t.Fatalf("chunk type = %T, want *Init", p.Chunks[0])
	}
	if out.InitiateTag != in.InitiateTag || out.InitialTSN != in.InitialTSN {
		t.Errorf("got tag=%d tsn=%d", out.InitiateTag, out.InitialTSN)
	}
	if len(out.Params) != 2 {
		t.Fatalf("params = %d, want 2", len(out.Params))
	}
	if out.Params[0].Type != ParamForwardTSNSupported {
		t.Errorf("param 0 type = %d", out.Params[0].Type)
	}
	if !bytes.Equal(out.Params[1].Value, in.Params[1].Value) {
		t.Errorf("param 1 value = %v", out.Params[1].Value)
	}
}

func TestPacketRoundtripSack(t *testing.T) {
	in := &Sack{
		CumulativeTSN:  1000,
		AdvertisedRwnd: 4096,
		Gaps:           []GapBlock{{Start: 2, End: 3}, {Start: 7, End: 7}},
		Duplicates:     []uint32{999, 998},
	}

	p := unmarshalOne(t, marshalOne(t, in))
	out, ok := p.Chunks[0].(*Sack)
	if !ok {
		t.Fatalf("chunk type = %T, want *Sack", p.Chunks[0])
	}
	if out.CumulativeTSN != 1000 || out.AdvertisedRwnd != 4096 {
		t.Errorf("got cum=%d rwnd=%d", out.CumulativeTSN, out.AdvertisedRwnd)
	}
	if len(out.Gaps) != 2 || out.Gaps[0] != (GapBlock{2, 3}) || out.Gaps[1] != (GapBlock{7, 7}) {
		t.Errorf("gaps = %v", out.Gaps)
	}
	if len(out.Duplicates) != 2 || out.Duplicates[0] != 999 {
		t.Errorf("duplicates = %v", out.Duplicates)
	}
}

func TestPacketRoundtripForwardTSN(t *testing.T) {
	in := &ForwardTSN{
		CumulativeTSN: 500,
		Streams:       []StreamSeqPair{{StreamID: 1, StreamSeq: 9}},
	}

	p := unmarshalOne(t, marshalOne(t, in))
	out, ok := p.Chunks[0].(*ForwardTSN)
	if !ok {
		t.Fatalf("chunk type = %T, want *ForwardTSN", p.Chunks[0])
	}
	if out.CumulativeTSN != 500 || len(out.Streams) != 1 || out.Streams[0].StreamID != 1 || out.Streams[0].StreamSeq != 9 {
		t.Errorf("got %v", out)
	}
}

func TestPacketRoundtripControl(t *testing.T) {
	chunks := []Chunk{
		&CookieEcho{Cookie: []byte{1, 2, 3, 4}},
		&CookieAck{},
		&Heartbeat{Params: []Param{{Type: 1, Value: []byte("probe")}}},
		&Abort{},
		&Shutdown{CumulativeTSN: 77},
		&ShutdownAck{},
		&ShutdownComplete{},
	}
	for _, in := range chunks {
		p := unmarshalOne(t, marshalOne(t, in))
		if got, want := p.Chunks[0].ChunkType(), in.ChunkType(); got != want {
			t.Errorf("round trip type = %v, want %v", got, want)
		}
	}
}

func TestPacketBadChecksum(t *testing.T) {
	raw := marshalOne(t, &CookieAck{})
	raw[8] ^= 0xFF

	p := &Packet{}
	if err := p.Unmarshal(raw); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Unmarshal() error = %v, want ErrChecksumMismatch", err)
	}
}

func TestPacketTooShort(t *testing.T) {
	p := &Packet{}
	if err := p.Unmarshal(make([]byte, 8)); !errors.Is(err, ErrPacketTooShort) {
		t.Errorf("Unmarshal() error = %v, want ErrPacketTooShort", err)
	}
}

func TestPacketTruncatedChunk(t *testing.T) {
	raw := marshalOne(t, &Data{TSN: 1, UserData: []byte("payload"), Begin: true, End: true})

	// cut into the chunk body and fix up the checksum so only the
	// length check can reject it
	repacked := make([]byte, len(raw)-4)
	copy(repacked, raw)
	fixChecksum(repacked)

	p := &Packet{}
	if err := p.Unmarshal(repacked); err == nil {
		t.Error("Unmarshal() accepted a truncated chunk")
	}
}

func TestPacketUnknownChunkSkipped(t *testing.T) {
	raw := marshalOne(t, &CookieAck{}, &CookieAck{})
	// rewrite the first chunk type to an unassigned value
	raw[12] = 0x3F
	fixChecksum(raw)

	p := unmarshalOne(t, raw)
	if p.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", p.Skipped)
	}
	if len(p.Chunks) != 1 {
		t.Errorf("chunks = %d, want 1", len(p.Chunks))
	}
}

func TestPacketizerBundlesSmallChunks(t *testing.T) {
	pz := &Packetizer{SourcePort: 5000, DestinationPort: 5000, MaxSize: 1228}
	datagrams, err := pz.Packetize(1, []Chunk{
		&Sack{CumulativeTSN: 1},
		&Data{TSN: 2, UserData: []byte("a"), Begin: true, End: true},
		&Data{TSN: 3, UserData: []byte("b"), Begin: true, End: true},
	})
	if err != nil {
		t.Fatalf("Packetize() error: %v", err)
	}
	if len(datagrams) != 1 {
		t.Fatalf("datagrams = %d, want 1 (bundled)", len(datagrams))
	}
	p := unmarshalOne(t, datagrams[0])
	if len(p.Chunks) != 3 {
		t.Errorf("chunks = %d, want 3", len(p.Chunks))
	}
}

func TestPacketizerRespectsMaxSize(t *testing.T) {
	pz := &Packetizer{SourcePort: 5000, DestinationPort: 5000, MaxSize: 1228}
	payload := bytes.Repeat([]byte{0xAB}, 1200)
	datagrams, err := pz.Packetize(1, []Chunk{
		&Data{TSN: 1, UserData: payload, Begin: true, End: false},
		&Data{TSN: 2, UserData: payload, Begin: false, End: true},
	})
	if err != nil {
		t.Fatalf("Packetize() error: %v", err)
	}
	if len(datagrams) != 2 {
		t.Fatalf("datagrams = %d, want 2", len(datagrams))
	}
	for i, d := range datagrams {
		if len(d) > 1228 {
			t.Errorf("datagram %d is %d bytes, limit 1228", i, len(d))
		}
	}
}

func TestPacketizerInitNeverBundled(t *testing.T) {
	init := &Init{}
	init.InitiateTag = 1
	init.InitialTSN = 1

	pz := &Packetizer{SourcePort: 5000, DestinationPort: 5000, MaxSize: 1228}
	datagrams, err := pz.Packetize(0, []Chunk{init, &Sack{CumulativeTSN: 1}})
	if err != nil {
		t.Fatalf("Packetize() error: %v", err)
	}
	if len(datagrams) != 2 {
		t.Fatalf("datagrams = %d, want 2 (INIT alone)", len(datagrams))
	}
	p := unmarshalOne(t, datagrams[0])
	if len(p.Chunks) != 1 {
		t.Errorf("INIT datagram has %d chunks, want 1", len(p.Chunks))
	}
	if _, ok := p.Chunks[0].(*Init); !ok {
		t.Errorf("first datagram carries %T, want *Init", p.Chunks[0])
	}
}

func TestReconfigRoundtrip(t *testing.T) {
	in := &Reconfig{Params: []ReconfigParam{
		&OutgoingResetRequest{
			RequestSeq:  10,
			ResponseSeq: 9,
			LastTSN:     100,
			StreamIDs:   []uint16{1, 3},
		},
		&ResetResponse{ResponseSeq: 8, Result: ReconfigResultSuccessPerformed},
		&AddOutgoingStreams{RequestSeq: 11, NewStreams: 16},
	}}

	p := unmarshalOne(t, marshalOne(t, in))
	out, ok := p.Chunks[0].(*Reconfig)
	if !ok {
		t.Fatalf("chunk type = %T, want *Reconfig", p.Chunks[0])
	}
	if len(out.Params) != 3 {
		t.Fatalf("params = %d, want 3", len(out.Params))
	}
	req := out.Params[0].(*OutgoingResetRequest)
	if req.RequestSeq != 10 || req.ResponseSeq != 9 || req.LastTSN != 100 {
		t.Errorf("reset request = %v", req)
	}
	if len(req.StreamIDs) != 2 || req.StreamIDs[0] != 1 || req.StreamIDs[1] != 3 {
		t.Errorf("stream ids = %v", req.StreamIDs)
	}
	resp := out.Params[1].(*ResetResponse)
	if resp.ResponseSeq != 8 || resp.Result != ReconfigResultSuccessPerformed {
		t.Errorf("reset response = %v", resp)
	}
	add := out.Params[2].(*AddOutgoingStreams)
	if add.RequestSeq != 11 || add.NewStreams != 16 {
		t.Errorf("add streams = %v", add)
	}
}
