package wire

import (
	"encoding/binary"
	"errors"

	"github.com/mirkobrombin/go-warden/v1/device"
)

var (
	errShortBuffer    = errors.New("wire: buffer too short")
	errTooMany        = errors.New("wire: too many entries")
	errContextTooLong = errors.New("wire: context too long")
)

const entrySize = 2 + 12 + 4

// MarshalBinary encodes the request as kind, entry count, entries,
// requester and a length prefixed context.
func (r LockBatchRequest) MarshalBinary() ([]byte, error) {
	if len(r.Entries) > 0xFFFF {
		return nil, errTooMany
	}
	if len(r.Context) > 0xFFFF {
		return nil, errContextTooLong
	}
	b := make([]byte, 1+2+len(r.Entries)*entrySize+4+2+len(r.Context))
	b[0] = byte(r.Kind)
	binary.BigEndian.PutUint16(b[1:3], uint16(len(r.Entries)))
	curr := 3
	for _, e := range r.Entries {
		binary.BigEndian.PutUint16(b[curr:], e.Zone)
		binary.BigEndian.PutUint32(b[curr+2:], uint32(e.Pos.X))
		binary.BigEndian.PutUint32(b[curr+6:], uint32(e.Pos.Y))
		binary.BigEndian.PutUint32(b[curr+10:], uint32(e.Pos.Z))
		binary.BigEndian.PutUint32(b[curr+14:], uint32(e.EntityID))
		curr += entrySize
	}
	binary.BigEndian.PutUint32(b[curr:], uint32(r.RequesterID))
	binary.BigEndian.PutUint16(b[curr+4:], uint16(len(r.Context)))
	copy(b[curr+6:], r.Context)
	return b, nil
}

// UnmarshalBinary decodes a request produced by MarshalBinary.
func (r *LockBatchRequest) UnmarshalBinary(b []byte) error {
	if len(b) < 3 {
		return errShortBuffer
	}
	r.Kind = LockKind(b[0])
	count := int(binary.BigEndian.Uint16(b[1:3]))
	curr := 3
	if len(b) < curr+count*entrySize+6 {
		return errShortBuffer
	}
	r.Entries = make([]device.Resource, 0, count)
	for i := 0; i < count; i++ {
		r.Entries = append(r.Entries, device.Resource{
			Zone: binary.BigEndian.Uint16(b[curr:]),
			Pos: device.Vec3i{
				X: int32(binary.BigEndian.Uint32(b[curr+2:])),
				Y: int32(binary.BigEndian.Uint32(b[curr+6:])),
				Z: int32(binary.BigEndian.Uint32(b[curr+10:])),
			},
			EntityID: int32(binary.BigEndian.Uint32(b[curr+14:])),
		})
		curr += entrySize
	}
	r.RequesterID = int32(binary.BigEndian.Uint32(b[curr:]))
	n := int(binary.BigEndian.Uint16(b[curr+4:]))
	curr += 6
	if len(b) < curr+n {
		return errShortBuffer
	}
	r.Context = string(b[curr : curr+n])
	return nil
}
