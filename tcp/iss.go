package tcp

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/soypat/ipstack"
	"golang.org/x/crypto/blake2s"
)

// Initial sequence number selection per RFC 6528: a keyed hash of the
// connection 4-tuple offset by a clock, so successive incarnations of a
// tuple advance monotonically while remaining unpredictable across tuples.

// issClockHz is the rate of the ISN clock component in increments per
// second, the traditional 250 kHz.
const issClockHz = 250_000

func (t *Proto) initISS() {
	rand.Read(t.issSecret[:])
}

func (t *Proto) genISS(tup tuple) Value {
	h, _ := blake2s.New256(t.issSecret[:])
	var b [12]byte
	copy(b[0:4], tup.laddr[:])
	copy(b[4:8], tup.raddr[:])
	binary.BigEndian.PutUint16(b[8:10], tup.lport)
	binary.BigEndian.PutUint16(b[10:12], tup.rport)
	h.Write(b[:])
	var sum [blake2s.Size]byte
	f := binary.BigEndian.Uint32(h.Sum(sum[:0]))
	m := uint32(t.plat.Now()) * (issClockHz / ipstack.TicksPerSecond)
	return Value(f + m)
}
