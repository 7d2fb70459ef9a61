package wire_test

import (
	"bytes"
	"testing"

	"github.com/Achillessanger/SmartWN/verbs"
	"github.com/Achillessanger/SmartWN/wire"
)

func TestConnectInfoRoundTripAllVariants(t *testing.T) {
	gid := verbs.GID{}
	copy(gid[:], []byte{10, 0, 0, 1})

	cases := []wire.ConnectInfo{
		{Type: wire.InfoHostInfo, GID: gid, NumberOfQP: 4},
		{Type: wire.InfoChannelInfo, QPNum: 7, DLID: 1, SL: 3},
		{Type: wire.InfoGoGo},
	}
	for _, ci := range cases {
		buf := wire.Encode(ci)
		if len(buf) != wire.ConnectInfoLen {
			t.Fatalf("Encode produced %d bytes, want %d", len(buf), wire.ConnectInfoLen)
		}
		got, err := wire.Decode(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != ci {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, ci)
		}
	}
}

func TestReadConnectInfoRejectsShortRead(t *testing.T) {
	r := bytes.NewReader(make([]byte, wire.ConnectInfoLen-1))
	if _, err := wire.ReadConnectInfo(r); err == nil {
		t.Fatalf("expected error on short read")
	}
}

func TestWriteThenReadConnectInfo(t *testing.T) {
	var buf bytes.Buffer
	want := wire.ConnectInfo{Type: wire.InfoChannelInfo, QPNum: 99, DLID: 5, SL: 1}
	if err := wire.WriteConnectInfo(&buf, want); err != nil {
		t.Fatalf("WriteConnectInfo: %v", err)
	}
	got, err := wire.ReadConnectInfo(&buf)
	if err != nil {
		t.Fatalf("ReadConnectInfo: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}
